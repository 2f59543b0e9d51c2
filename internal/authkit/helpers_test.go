package authkit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fixedClock struct {
	now time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.now
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleWebClientID:    "client-id",
		SigningKey:           []byte(testSigningKey),
		SigningAlgorithm:     "HS256",
		Issuer:               "tokenauth-test",
		AccessTTL:            15 * time.Minute,
		RefreshTTL:           24 * time.Hour,
		EmailVerificationTTL: 10 * time.Minute,
		RevocationTimeout:    time.Second,
		NonceTTL:             time.Minute,
		VerificationURL:      "https://app.example.com/auth/email/verify-token",
	}
}

func newTestCodec(t *testing.T) *ClaimsCodec {
	t.Helper()
	codec, err := NewClaimsCodec([]byte(testSigningKey), "HS256")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}

// memoryUsers is a minimal UserDirectory for package tests.
type memoryUsers struct {
	mutex sync.Mutex
	users map[string]User
}

func newMemoryUsers(seed ...User) *memoryUsers {
	directory := &memoryUsers{users: make(map[string]User)}
	for _, user := range seed {
		directory.users[user.Subject] = user
	}
	return directory
}

func (directory *memoryUsers) FindBySubject(ctx context.Context, subject string) (*User, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	user, ok := directory.users[subject]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (directory *memoryUsers) Create(ctx context.Context, user User) (*User, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if _, exists := directory.users[user.Subject]; exists {
		return nil, ErrUserExists
	}
	directory.users[user.Subject] = user
	return &user, nil
}

func (directory *memoryUsers) UpdateFields(ctx context.Context, subject string, update ProfileUpdate) (*User, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	user, ok := directory.users[subject]
	if !ok {
		return nil, errors.New("users.not_found")
	}
	update.Apply(&user)
	directory.users[subject] = user
	return &user, nil
}

func (directory *memoryUsers) seed(user User) error {
	_, err := directory.Create(context.Background(), user)
	return err
}

func (directory *memoryUsers) setDisabled(subject string, disabled bool) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	user := directory.users[subject]
	user.Disabled = disabled
	directory.users[subject] = user
}

// failingRevocationStore reports the store as unreachable for every call.
type failingRevocationStore struct{}

func (failingRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return false, StoreFailure("is_revoked", "test", errors.New("connection refused"))
}

func (failingRevocationStore) Revoke(ctx context.Context, entry RevocationEntry) (RevocationEntry, bool, error) {
	return RevocationEntry{}, false, StoreFailure("revoke", "test", errors.New("connection refused"))
}

func (failingRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, StoreFailure("prune", "test", errors.New("connection refused"))
}

// stallingRevocationStore blocks until the context expires, then answers as if nothing were revoked.
type stallingRevocationStore struct{}

func (stallingRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	<-ctx.Done()
	return false, nil
}

func (stallingRevocationStore) Revoke(ctx context.Context, entry RevocationEntry) (RevocationEntry, bool, error) {
	<-ctx.Done()
	return entry, true, nil
}

func (stallingRevocationStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// recordingNotifier captures deliveries on a channel.
type recordingNotifier struct {
	deliveries chan deliveredLink
	err        error
}

type deliveredLink struct {
	address string
	link    string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{deliveries: make(chan deliveredLink, 64)}
}

func (notifier *recordingNotifier) Deliver(ctx context.Context, address string, verificationLink string) error {
	notifier.deliveries <- deliveredLink{address: address, link: verificationLink}
	return notifier.err
}

func (notifier *recordingNotifier) next(t *testing.T) deliveredLink {
	t.Helper()
	select {
	case delivered := <-notifier.deliveries:
		return delivered
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a delivery")
		return deliveredLink{}
	}
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	_, query, found := strings.Cut(link, "token=")
	if !found || query == "" {
		t.Fatalf("link without token: %s", link)
	}
	return query
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

type testHarness struct {
	config      ServerConfig
	clock       *controllableClock
	users       *memoryUsers
	revocations *MemoryRevocationStore
	notifier    *recordingNotifier
	metrics     *CounterMetrics
	service     *Service
}

func newTestHarness(t *testing.T, seed ...User) *testHarness {
	t.Helper()
	harness := &testHarness{
		config:      newTestServerConfig(),
		clock:       &controllableClock{current: time.Now().UTC()},
		users:       newMemoryUsers(seed...),
		revocations: NewMemoryRevocationStore(),
		notifier:    newRecordingNotifier(),
		metrics:     NewCounterMetrics(),
	}
	service, err := NewService(ServiceOptions{
		Configuration: harness.config,
		Revocations:   harness.revocations,
		Users:         harness.users,
		Passwords:     NewBcryptHasher(4),
		Notifier:      harness.notifier,
		Clock:         harness.clock,
		Logger:        zaptest.NewLogger(t),
		Metrics:       harness.metrics,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	harness.service = service
	t.Cleanup(service.WaitForDeliveries)
	return harness
}

func (harness *testHarness) hashPassword(t *testing.T, password string) string {
	t.Helper()
	hashed, err := NewBcryptHasher(4).Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return hashed
}
