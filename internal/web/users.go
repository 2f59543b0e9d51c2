package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tyemirov/tokenauth/internal/authkit"
)

// ErrUserNotFound is returned when an update targets a missing subject.
var ErrUserNotFound = errors.New("users.not_found")

var _ authkit.UserDirectory = (*InMemoryUsers)(nil)

// InMemoryUsers is a user directory for local runs and tests.
type InMemoryUsers struct {
	mutex sync.RWMutex
	users map[string]authkit.User
	now   func() time.Time
}

// NewInMemoryUsers constructs an empty directory.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		users: make(map[string]authkit.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// FindBySubject returns a copy of the stored user, or nil when absent.
func (store *InMemoryUsers) FindBySubject(ctx context.Context, subject string) (*authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.users[subject]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Create inserts the user; an existing subject yields authkit.ErrUserExists.
func (store *InMemoryUsers) Create(ctx context.Context, user authkit.User) (*authkit.User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.users[user.Subject]; exists {
		return nil, authkit.ErrUserExists
	}
	now := store.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	store.users[user.Subject] = user
	return &user, nil
}

// UpdateFields applies the update and returns the stored result.
func (store *InMemoryUsers) UpdateFields(ctx context.Context, subject string, update authkit.ProfileUpdate) (*authkit.User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[subject]
	if !ok {
		return nil, ErrUserNotFound
	}
	update.Apply(&record)
	record.UpdatedAt = store.now()
	store.users[subject] = record
	return &record, nil
}

// SetDisabled toggles the disabled flag; operators use it to block a subject.
func (store *InMemoryUsers) SetDisabled(ctx context.Context, subject string, disabled bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[subject]
	if !ok {
		return ErrUserNotFound
	}
	record.Disabled = disabled
	record.UpdatedAt = store.now()
	store.users[subject] = record
	return nil
}
