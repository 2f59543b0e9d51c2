// Package sessionvalidator lets downstream services accept access tokens minted by the token service
// without calling back to it. Validation is stateless: signature, expiry, kind, and issuer.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tokenauth/internal/authkit"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Config configures the Validator.
type Config struct {
	SigningKey       []byte
	SigningAlgorithm string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	Clock  Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// Validator validates bearer access tokens.
type Validator struct {
	verifier *authkit.TokenVerifier
	issuer   string
}

// Claims describe a validated access token.
type Claims struct {
	Subject   string
	TokenID   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// GetSubject returns the token subject.
func (claims *Claims) GetSubject() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil {
		return time.Time{}
	}
	return claims.ExpiresAt
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	codec, codecErr := authkit.NewClaimsCodec(configuration.SigningKey, configuration.SigningAlgorithm)
	if codecErr != nil {
		return nil, fmt.Errorf("session.validator.new: %w", codecErr)
	}
	var clock authkit.Clock
	if configuration.Clock != nil {
		clock = configuration.Clock
	}
	return &Validator{
		verifier: authkit.NewTokenVerifier(codec, nil, authkit.ServerConfig{}, clock),
		issuer:   strings.TrimSpace(configuration.Issuer),
	}, nil
}

// ValidateToken validates the provided access token and returns its claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	verified, err := validator.verifier.VerifyAccess(tokenString)
	if err != nil {
		if errors.Is(err, authkit.ErrExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrInvalidToken, err)
	}
	if validator.issuer != "" && verified.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	return &Claims{
		Subject:   verified.Subject,
		TokenID:   verified.TokenID,
		Issuer:    verified.Issuer,
		IssuedAt:  verified.IssuedAt,
		ExpiresAt: verified.ExpiresAt,
	}, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(request.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(strings.TrimSpace(token))
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.Header("WWW-Authenticate", "Bearer")
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
