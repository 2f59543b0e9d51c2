package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the revoked_tokens table if it does not exist.
// The layout matches the table the GORM store migrates, so either driver can serve the same database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    expires_unix BIGINT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_subject_id ON revoked_tokens (subject_id);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires_unix ON revoked_tokens (expires_unix);
`)
	if err != nil {
		return fmt.Errorf("pg.ensure_schema: %w", err)
	}
	return nil
}
