package web

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/tokenauth/internal/authkit"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ authkit.UserDirectory = (*GormUsers)(nil)

	errNilUsersDatabase = errors.New("users.nil_database")
)

type userRecord struct {
	Subject        string `gorm:"column:subject;primaryKey"`
	HashedPassword string `gorm:"column:hashed_password;not null;default:''"`
	FullName       string `gorm:"column:full_name;not null;default:''"`
	GivenName      string `gorm:"column:given_name;not null;default:''"`
	FamilyName     string `gorm:"column:family_name;not null;default:''"`
	Picture        string `gorm:"column:picture;not null;default:''"`
	EmailVerified  bool   `gorm:"column:email_verified;not null;default:false"`
	Disabled       bool   `gorm:"column:disabled;not null;default:false"`
	CreatedUnix    int64  `gorm:"column:created_unix;not null"`
	UpdatedUnix    int64  `gorm:"column:updated_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) user() *authkit.User {
	return &authkit.User{
		Subject:        record.Subject,
		HashedPassword: record.HashedPassword,
		FullName:       record.FullName,
		GivenName:      record.GivenName,
		FamilyName:     record.FamilyName,
		Picture:        record.Picture,
		EmailVerified:  record.EmailVerified,
		Disabled:       record.Disabled,
		CreatedAt:      time.Unix(record.CreatedUnix, 0).UTC(),
		UpdatedAt:      time.Unix(record.UpdatedUnix, 0).UTC(),
	}
}

// GormUsers persists the user directory in the users table of the configured database.
type GormUsers struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormUsers migrates the users table and returns the directory.
func NewGormUsers(ctx context.Context, gormDB *gorm.DB) (*GormUsers, error) {
	if gormDB == nil {
		return nil, errNilUsersDatabase
	}
	if err := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); err != nil {
		return nil, fmt.Errorf("users.migrate: %w", err)
	}
	return &GormUsers{db: gormDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// FindBySubject returns nil, nil when the subject is unknown.
func (store *GormUsers) FindBySubject(ctx context.Context, subject string) (*authkit.User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("subject = ?", subject).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("users.find: %w", err)
	}
	return record.user(), nil
}

// Create inserts the user; a primary-key conflict yields authkit.ErrUserExists.
func (store *GormUsers) Create(ctx context.Context, user authkit.User) (*authkit.User, error) {
	nowUnix := store.now().Unix()
	record := userRecord{
		Subject:        user.Subject,
		HashedPassword: user.HashedPassword,
		FullName:       user.FullName,
		GivenName:      user.GivenName,
		FamilyName:     user.FamilyName,
		Picture:        user.Picture,
		EmailVerified:  user.EmailVerified,
		Disabled:       user.Disabled,
		CreatedUnix:    nowUnix,
		UpdatedUnix:    nowUnix,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("users.create: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, authkit.ErrUserExists
	}
	return record.user(), nil
}

// UpdateFields writes only the columns set in the update.
func (store *GormUsers) UpdateFields(ctx context.Context, subject string, update authkit.ProfileUpdate) (*authkit.User, error) {
	columns := map[string]interface{}{"updated_unix": store.now().Unix()}
	if update.FullName != nil {
		columns["full_name"] = *update.FullName
	}
	if update.GivenName != nil {
		columns["given_name"] = *update.GivenName
	}
	if update.FamilyName != nil {
		columns["family_name"] = *update.FamilyName
	}
	if update.Picture != nil {
		columns["picture"] = *update.Picture
	}
	if update.EmailVerified != nil {
		columns["email_verified"] = *update.EmailVerified
	}
	if update.HashedPassword != nil {
		columns["hashed_password"] = *update.HashedPassword
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("subject = ?", subject).Updates(columns)
	if result.Error != nil {
		return nil, fmt.Errorf("users.update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	updated, err := store.FindBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrUserNotFound
	}
	return updated, nil
}

// SetDisabled toggles the disabled flag.
func (store *GormUsers) SetDisabled(ctx context.Context, subject string, disabled bool) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("subject = ?", subject).
		Updates(map[string]interface{}{"disabled": disabled, "updated_unix": store.now().Unix()})
	if result.Error != nil {
		return fmt.Errorf("users.disable: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
