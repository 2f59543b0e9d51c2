package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Revocation reasons recorded with each entry.
const (
	RevocationReasonRotated  = "rotated"
	RevocationReasonLogout   = "logout"
	RevocationReasonRedeemed = "redeemed"
)

// RevocationEntry records one revoked token identifier. Entries are never mutated.
type RevocationEntry struct {
	TokenID   string
	Kind      TokenKind
	SubjectID string
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}

// RevocationStore is the durable set of revoked token identifiers.
type RevocationStore interface {
	// IsRevoked reports whether the identifier has been revoked.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// Revoke inserts the entry unless the identifier is already present, in which case the stored
	// entry is returned unchanged and inserted is false.
	Revoke(ctx context.Context, entry RevocationEntry) (stored RevocationEntry, inserted bool, err error)
	// Prune removes entries whose expiry is before the cutoff and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// NormalizeRevocationEntry trims the identifier and stamps whole-second UTC times.
// Every store applies it before writing.
func NormalizeRevocationEntry(entry RevocationEntry, now time.Time) (RevocationEntry, error) {
	entry.TokenID = strings.TrimSpace(entry.TokenID)
	if entry.TokenID == "" {
		return RevocationEntry{}, ErrEmptyTokenID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Second)
	entry.ExpiresAt = entry.ExpiresAt.UTC().Truncate(time.Second)
	return entry, nil
}

// StoreFailure wraps a driver error so callers see ErrStoreUnavailable.
func StoreFailure(operation string, driver string, err error) error {
	return fmt.Errorf("revocation_store.%s.%s: %w: %v", operation, driver, ErrStoreUnavailable, err)
}
