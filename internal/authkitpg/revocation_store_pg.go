package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tokenauth/internal/authkit"
)

const driverLabel = "pgx"

var _ authkit.RevocationStore = (*PostgresRevocationStore)(nil)

// PostgresRevocationStore keeps revoked token identifiers in PostgreSQL through a pgx pool.
type PostgresRevocationStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRevocationStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresRevocationStore(pool *pgxpool.Pool) *PostgresRevocationStore {
	return &PostgresRevocationStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// IsRevoked reports whether a row exists for the identifier.
func (store *PostgresRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	row := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, tokenID)
	if err := row.Scan(&exists); err != nil {
		return false, authkit.StoreFailure("is_revoked", driverLabel, err)
	}
	return exists, nil
}

// Revoke inserts the entry unless the identifier is already stored, in which case the stored row is returned.
func (store *PostgresRevocationStore) Revoke(ctx context.Context, entry authkit.RevocationEntry) (authkit.RevocationEntry, bool, error) {
	normalized, err := authkit.NormalizeRevocationEntry(entry, store.now())
	if err != nil {
		return authkit.RevocationEntry{}, false, fmt.Errorf("revocation_store.revoke.%s: %w", driverLabel, err)
	}
	var insertedID string
	insertErr := store.pool.QueryRow(ctx, `
INSERT INTO revoked_tokens (jti, kind, subject_id, expires_unix, reason, created_unix)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (jti) DO NOTHING
RETURNING jti
`, normalized.TokenID, string(normalized.Kind), normalized.SubjectID, normalized.ExpiresAt.Unix(), normalized.Reason, normalized.CreatedAt.Unix()).Scan(&insertedID)
	if insertErr == nil {
		return normalized, true, nil
	}
	if !errors.Is(insertErr, pgx.ErrNoRows) {
		return authkit.RevocationEntry{}, false, authkit.StoreFailure("revoke", driverLabel, insertErr)
	}

	var (
		kind        string
		subjectID   string
		expiresUnix int64
		reason      string
		createdUnix int64
	)
	selectErr := store.pool.QueryRow(ctx, `
SELECT kind, subject_id, expires_unix, reason, created_unix
FROM revoked_tokens
WHERE jti = $1
`, normalized.TokenID).Scan(&kind, &subjectID, &expiresUnix, &reason, &createdUnix)
	if selectErr != nil {
		return authkit.RevocationEntry{}, false, authkit.StoreFailure("revoke", driverLabel, selectErr)
	}
	return authkit.RevocationEntry{
		TokenID:   normalized.TokenID,
		Kind:      authkit.TokenKind(kind),
		SubjectID: subjectID,
		ExpiresAt: time.Unix(expiresUnix, 0).UTC(),
		Reason:    reason,
		CreatedAt: time.Unix(createdUnix, 0).UTC(),
	}, false, nil
}

// Prune deletes entries whose expiry precedes the cutoff.
func (store *PostgresRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_unix < $1`, before.Unix())
	if err != nil {
		return 0, authkit.StoreFailure("prune", driverLabel, err)
	}
	return tag.RowsAffected(), nil
}
