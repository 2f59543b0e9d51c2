package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database.empty_database_url")
	errNilDatabase         = errors.New("database.nil_handle")
	errSQLiteEmptyPath     = errors.New("database.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database.unsupported_no_scheme")
)

// OpenDatabase opens a GORM handle for postgres:// or sqlite:// URLs and reports the driver label.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("database.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("database.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, "", fmt.Errorf("database.open.%s: %w", driverLabel, sqlErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB, driverLabel, nil
}

// DatabaseRevocationStore persists revocation entries using GORM.
type DatabaseRevocationStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Driver exposes the selected database driver label.
func (store *DatabaseRevocationStore) Driver() string {
	return store.driverLabel
}

type revocationRecord struct {
	TokenID     string `gorm:"column:jti;primaryKey"`
	Kind        string `gorm:"column:kind;not null"`
	SubjectID   string `gorm:"column:subject_id;index;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;index;not null"`
	Reason      string `gorm:"column:reason;not null;default:''"`
	CreatedUnix int64  `gorm:"column:created_unix;not null"`
}

func (revocationRecord) TableName() string {
	return "revoked_tokens"
}

func (record revocationRecord) entry() RevocationEntry {
	return RevocationEntry{
		TokenID:   record.TokenID,
		Kind:      TokenKind(record.Kind),
		SubjectID: record.SubjectID,
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
		Reason:    record.Reason,
		CreatedAt: time.Unix(record.CreatedUnix, 0).UTC(),
	}
}

// NewDatabaseRevocationStore migrates the revoked_tokens table and returns the store.
func NewDatabaseRevocationStore(ctx context.Context, gormDB *gorm.DB, driverLabel string) (*DatabaseRevocationStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("revocation_store.new: %w", errNilDatabase)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&revocationRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("revocation_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRevocationStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// IsRevoked reports whether a row exists for the identifier.
func (store *DatabaseRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&revocationRecord{}).Where("jti = ?", tokenID).Count(&count).Error
	if err != nil {
		return false, StoreFailure("is_revoked", store.driverLabel, err)
	}
	return count > 0, nil
}

// Revoke inserts the entry with ON CONFLICT DO NOTHING and reads back the stored row on conflict.
func (store *DatabaseRevocationStore) Revoke(ctx context.Context, entry RevocationEntry) (RevocationEntry, bool, error) {
	normalized, err := NormalizeRevocationEntry(entry, store.now())
	if err != nil {
		return RevocationEntry{}, false, fmt.Errorf("revocation_store.revoke.%s: %w", store.driverLabel, err)
	}
	record := revocationRecord{
		TokenID:     normalized.TokenID,
		Kind:        string(normalized.Kind),
		SubjectID:   normalized.SubjectID,
		ExpiresUnix: normalized.ExpiresAt.Unix(),
		Reason:      normalized.Reason,
		CreatedUnix: normalized.CreatedAt.Unix(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "jti"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return RevocationEntry{}, false, StoreFailure("revoke", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return record.entry(), true, nil
	}
	var existing revocationRecord
	if findErr := store.db.WithContext(ctx).Where("jti = ?", normalized.TokenID).Take(&existing).Error; findErr != nil {
		return RevocationEntry{}, false, StoreFailure("revoke", store.driverLabel, findErr)
	}
	return existing.entry(), false, nil
}

// Prune deletes entries whose expiry precedes the cutoff.
func (store *DatabaseRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", before.Unix()).Delete(&revocationRecord{})
	if result.Error != nil {
		return 0, StoreFailure("prune", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
