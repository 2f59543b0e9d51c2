package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRevocationStore is an in-memory store intended for tests and dev.
type MemoryRevocationStore struct {
	mutex   sync.Mutex
	entries map[string]RevocationEntry
	now     func() time.Time
}

// NewMemoryRevocationStore creates an empty in-memory revocation store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]RevocationEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IsRevoked reports whether the identifier is present.
func (store *MemoryRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, StoreFailure("is_revoked", "memory", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, ok := store.entries[tokenID]
	return ok, nil
}

// Revoke inserts the entry if absent.
func (store *MemoryRevocationStore) Revoke(ctx context.Context, entry RevocationEntry) (RevocationEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return RevocationEntry{}, false, StoreFailure("revoke", "memory", err)
	}
	normalized, err := NormalizeRevocationEntry(entry, store.now())
	if err != nil {
		return RevocationEntry{}, false, fmt.Errorf("revocation_store.revoke.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if existing, ok := store.entries[normalized.TokenID]; ok {
		return existing, false, nil
	}
	store.entries[normalized.TokenID] = normalized
	return normalized, true, nil
}

// Prune drops entries that expired before the cutoff.
func (store *MemoryRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, StoreFailure("prune", "memory", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var removed int64
	for tokenID, entry := range store.entries {
		if entry.ExpiresAt.Before(before) {
			delete(store.entries, tokenID)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (store *MemoryRevocationStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}
