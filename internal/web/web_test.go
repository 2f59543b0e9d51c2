package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestConfigureCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost", "https://app.example.com/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	testCases := []struct {
		name    string
		origins []string
		err     error
	}{
		{name: "nil", origins: nil, err: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, err: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, err: errWildcardOrigin},
		{name: "path", origins: []string{"https://app.example.com/login"}, err: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://app.example.com"}, err: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(nil, testCase.origins); !errors.Is(err, testCase.err) {
				t.Fatalf("expected %v, got %v", testCase.err, err)
			}
		})
	}
}

func TestSanitizeOriginsDeduplicates(t *testing.T) {
	sanitized, err := sanitizeOrigins(zap.NewNop(), []string{"https://a.example.com", "https://a.example.com/", "HTTPS://b.example.com"})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected two origins, got %v", sanitized)
	}
}

type directoryFactory struct {
	name    string
	factory func(t *testing.T) authkit.UserDirectory
}

func directoryFactories() []directoryFactory {
	return []directoryFactory{
		{
			name: "memory",
			factory: func(t *testing.T) authkit.UserDirectory {
				return NewInMemoryUsers()
			},
		},
		{
			name: "sqlite",
			factory: func(t *testing.T) authkit.UserDirectory {
				t.Helper()
				gormDB, _, err := authkit.OpenDatabase("sqlite://" + filepath.Join(t.TempDir(), "users.db"))
				if err != nil {
					t.Fatalf("open sqlite: %v", err)
				}
				t.Cleanup(func() {
					if sqlDB, sqlErr := gormDB.DB(); sqlErr == nil {
						_ = sqlDB.Close()
					}
				})
				directory, err := NewGormUsers(context.Background(), gormDB)
				if err != nil {
					t.Fatalf("gorm users: %v", err)
				}
				return directory
			},
		},
	}
}

func TestUserDirectoriesShareContract(t *testing.T) {
	for _, factory := range directoryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			directory := factory.factory(t)
			ctx := context.Background()

			missing, err := directory.FindBySubject(ctx, "alice@example.com")
			if err != nil || missing != nil {
				t.Fatalf("expected nil for unknown subject, got %v %v", missing, err)
			}

			created, err := directory.Create(ctx, authkit.User{Subject: "alice@example.com", FullName: "Alice"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.CreatedAt.IsZero() {
				t.Fatalf("expected created-at to be stamped")
			}
			if _, err := directory.Create(ctx, authkit.User{Subject: "alice@example.com"}); !errors.Is(err, authkit.ErrUserExists) {
				t.Fatalf("expected ErrUserExists, got %v", err)
			}

			verified := true
			picture := "https://example.com/a.png"
			updated, err := directory.UpdateFields(ctx, "alice@example.com", authkit.ProfileUpdate{EmailVerified: &verified, Picture: &picture})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if !updated.EmailVerified || updated.Picture != picture || updated.FullName != "Alice" {
				t.Fatalf("unexpected updated user %+v", updated)
			}

			found, err := directory.FindBySubject(ctx, "alice@example.com")
			if err != nil || found == nil || !found.EmailVerified {
				t.Fatalf("expected persisted update, got %+v %v", found, err)
			}

			if _, err := directory.UpdateFields(ctx, "ghost@example.com", authkit.ProfileUpdate{Picture: &picture}); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestUserDirectoriesCreateOnce(t *testing.T) {
	for _, factory := range directoryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			directory := factory.factory(t)
			var created atomic.Int32
			var waitGroup sync.WaitGroup
			for index := 0; index < 8; index++ {
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					if _, err := directory.Create(context.Background(), authkit.User{Subject: "race@example.com"}); err == nil {
						created.Add(1)
					} else if !errors.Is(err, authkit.ErrUserExists) {
						t.Errorf("unexpected create error: %v", err)
					}
				}()
			}
			waitGroup.Wait()
			if created.Load() != 1 {
				t.Fatalf("expected one create to win, got %d", created.Load())
			}
		})
	}
}

func TestInMemoryUsersSetDisabled(t *testing.T) {
	directory := NewInMemoryUsers()
	ctx := context.Background()
	if _, err := directory.Create(ctx, authkit.User{Subject: "alice@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := directory.SetDisabled(ctx, "alice@example.com", true); err != nil {
		t.Fatalf("disable: %v", err)
	}
	user, _ := directory.FindBySubject(ctx, "alice@example.com")
	if !user.Disabled {
		t.Fatalf("expected disabled user")
	}
	if err := directory.SetDisabled(ctx, "ghost@example.com", true); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

type profileHarness struct {
	router    *gin.Engine
	directory *InMemoryUsers
	access    string
}

func newProfileHarness(t *testing.T) profileHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	directory := NewInMemoryUsers()
	if _, err := directory.Create(context.Background(), authkit.User{Subject: "alice@example.com", FullName: "Alice", EmailVerified: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	configuration := authkit.ServerConfig{SigningKey: []byte("profile-test-signing-key-0123456"), AccessTTL: time.Minute}
	service, err := authkit.NewService(authkit.ServiceOptions{
		Configuration: configuration,
		Revocations:   authkit.NewMemoryRevocationStore(),
		Users:         directory,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	codec, err := authkit.NewClaimsCodec(configuration.SigningKey, "")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	access, err := authkit.NewTokenIssuer(codec, configuration, nil).IssueAccess("alice@example.com", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	router := gin.New()
	MountProfileRoutes(router, service, directory, zaptest.NewLogger(t))
	return profileHarness{router: router, directory: directory, access: access.Token}
}

func (harness profileHarness) perform(method string, body string, bearer string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "/users/me", bytes.NewBufferString(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func TestProfileRoutes(t *testing.T) {
	harness := newProfileHarness(t)

	recorder := harness.perform(http.MethodGet, "", harness.access)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["email"] != "alice@example.com" || payload["full_name"] != "Alice" || payload["email_verified"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}

	patched := harness.perform(http.MethodPatch, `{"given_name":" Alice ","family_name":"Smith","email_verified":false}`, harness.access)
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200 from patch, got %d %s", patched.Code, patched.Body.String())
	}
	stored, _ := harness.directory.FindBySubject(context.Background(), "alice@example.com")
	if stored.GivenName != "Alice" || stored.FamilyName != "Smith" || !stored.EmailVerified {
		t.Fatalf("unexpected stored profile %+v", stored)
	}
}

func TestProfileRoutesRejectUnauthenticated(t *testing.T) {
	harness := newProfileHarness(t)

	if recorder := harness.perform(http.MethodGet, "", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := harness.perform(http.MethodGet, "", "not-a-token"); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", recorder.Code)
	}

	if err := harness.directory.SetDisabled(context.Background(), "alice@example.com", true); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if recorder := harness.perform(http.MethodGet, "", harness.access); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disabled user, got %d", recorder.Code)
	}
}

func TestProfileUpdateValidation(t *testing.T) {
	harness := newProfileHarness(t)

	if recorder := harness.perform(http.MethodPatch, `{not json`, harness.access); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", recorder.Code)
	}
	long := bytes.Repeat([]byte("a"), maxProfileFieldLength+1)
	body := `{"full_name":"` + string(long) + `"}`
	if recorder := harness.perform(http.MethodPatch, body, harness.access); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized field, got %d", recorder.Code)
	}
}
