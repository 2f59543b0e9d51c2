package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokedKeyPrefix  = "revoked:jti:"
	minimumRedisTTL   = time.Second
	redisRevokeTries  = 2
	redisDriverLabel  = "redis"
	redisPingDeadline = 5 * time.Second
)

var errNilRedisClient = errors.New("revocation_store.redis.nil_client")

// RedisRevocationStore keeps revocation entries as Redis keys that expire with the token.
type RedisRevocationStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

type redisRevocationValue struct {
	Kind        string `json:"kind"`
	SubjectID   string `json:"subject_id"`
	ExpiresUnix int64  `json:"expires_unix"`
	Reason      string `json:"reason"`
	CreatedUnix int64  `json:"created_unix"`
}

// NewRedisRevocationStore pings the client and returns the store.
func NewRedisRevocationStore(ctx context.Context, client redis.UniversalClient) (*RedisRevocationStore, error) {
	if client == nil {
		return nil, errNilRedisClient
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingDeadline)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, StoreFailure("ping", redisDriverLabel, err)
	}
	return &RedisRevocationStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewRedisRevocationStoreFromURL parses a redis:// URL and builds the store.
func NewRedisRevocationStoreFromURL(ctx context.Context, redisURL string) (*RedisRevocationStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("revocation_store.redis.parse_url: %w", err)
	}
	return NewRedisRevocationStore(ctx, redis.NewClient(options))
}

// IsRevoked reports whether the key exists.
func (store *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	count, err := store.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, StoreFailure("is_revoked", redisDriverLabel, err)
	}
	return count > 0, nil
}

// Revoke stores the entry with SET NX and an expiry matching the token's own.
func (store *RedisRevocationStore) Revoke(ctx context.Context, entry RevocationEntry) (RevocationEntry, bool, error) {
	now := store.now()
	normalized, err := NormalizeRevocationEntry(entry, now)
	if err != nil {
		return RevocationEntry{}, false, fmt.Errorf("revocation_store.revoke.redis: %w", err)
	}
	encoded, encodeErr := json.Marshal(redisRevocationValue{
		Kind:        string(normalized.Kind),
		SubjectID:   normalized.SubjectID,
		ExpiresUnix: normalized.ExpiresAt.Unix(),
		Reason:      normalized.Reason,
		CreatedUnix: normalized.CreatedAt.Unix(),
	})
	if encodeErr != nil {
		return RevocationEntry{}, false, fmt.Errorf("revocation_store.revoke.redis: %w", encodeErr)
	}
	ttl := normalized.ExpiresAt.Sub(now)
	if ttl < minimumRedisTTL {
		ttl = minimumRedisTTL
	}
	key := revokedKeyPrefix + normalized.TokenID

	for attempt := 0; attempt < redisRevokeTries; attempt++ {
		inserted, setErr := store.client.SetNX(ctx, key, encoded, ttl).Result()
		if setErr != nil {
			return RevocationEntry{}, false, StoreFailure("revoke", redisDriverLabel, setErr)
		}
		if inserted {
			return normalized, true, nil
		}
		raw, getErr := store.client.Get(ctx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if getErr != nil {
			return RevocationEntry{}, false, StoreFailure("revoke", redisDriverLabel, getErr)
		}
		var stored redisRevocationValue
		if decodeErr := json.Unmarshal(raw, &stored); decodeErr != nil {
			return RevocationEntry{}, false, StoreFailure("revoke", redisDriverLabel, decodeErr)
		}
		return RevocationEntry{
			TokenID:   normalized.TokenID,
			Kind:      TokenKind(stored.Kind),
			SubjectID: stored.SubjectID,
			ExpiresAt: time.Unix(stored.ExpiresUnix, 0).UTC(),
			Reason:    stored.Reason,
			CreatedAt: time.Unix(stored.CreatedUnix, 0).UTC(),
		}, false, nil
	}
	return RevocationEntry{}, false, StoreFailure("revoke", redisDriverLabel, errors.New("key churn"))
}

// Prune is a no-op: Redis expires keys on its own.
func (store *RedisRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// Close releases the underlying client.
func (store *RedisRevocationStore) Close() error {
	return store.client.Close()
}
