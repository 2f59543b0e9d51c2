package authkit

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssuedToken is a signed token with the identifiers needed to revoke it later.
type IssuedToken struct {
	Token     string
	TokenID   string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints access, refresh, and email-verification tokens.
type TokenIssuer struct {
	codec         *ClaimsCodec
	issuer        string
	clock         Clock
	configuration ServerConfig
}

// NewTokenIssuer wires an issuer to a codec. A nil clock uses the system clock.
func NewTokenIssuer(codec *ClaimsCodec, configuration ServerConfig, clock Clock) *TokenIssuer {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenIssuer{
		codec:         codec,
		issuer:        configuration.Issuer,
		clock:         clock,
		configuration: configuration,
	}
}

// IssueAccess mints an access token. A non-positive ttl uses the configured access TTL.
func (issuer *TokenIssuer) IssueAccess(subject string, ttl time.Duration) (IssuedToken, error) {
	return issuer.issue(subject, TokenKindAccess, ttl)
}

// IssueRefresh mints a refresh token.
func (issuer *TokenIssuer) IssueRefresh(subject string, ttl time.Duration) (IssuedToken, error) {
	return issuer.issue(subject, TokenKindRefresh, ttl)
}

// IssueEmailVerification mints an email-verification token.
func (issuer *TokenIssuer) IssueEmailVerification(subject string, ttl time.Duration) (IssuedToken, error) {
	return issuer.issue(subject, TokenKindEmailVerification, ttl)
}

func (issuer *TokenIssuer) issue(subject string, kind TokenKind, ttl time.Duration) (IssuedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return IssuedToken{}, fmt.Errorf("token.issue.%s: %w", kind, errEmptySubject)
	}
	if ttl <= 0 {
		ttl = issuer.configuration.TTLFor(kind)
	}
	tokenID, idErr := newTokenID()
	if idErr != nil {
		return IssuedToken{}, fmt.Errorf("token.issue.%s: %w", kind, idErr)
	}
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	signed, signErr := issuer.codec.Sign(TokenClaims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if signErr != nil {
		return IssuedToken{}, fmt.Errorf("token.issue.%s: %w", kind, signErr)
	}
	return IssuedToken{
		Token:     signed,
		TokenID:   tokenID,
		Kind:      kind,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
