package authkit

import (
	"time"
)

// TokenKind tags the purpose of a token through the "type" claim.
type TokenKind string

const (
	TokenKindAccess            TokenKind = "access"
	TokenKindRefresh           TokenKind = "refresh"
	TokenKindEmailVerification TokenKind = "email_verified"
)

// ServerConfig configures signing, TTLs, and the auth endpoints.
type ServerConfig struct {
	GoogleWebClientID    string
	SigningKey           []byte
	SigningAlgorithm     string
	Issuer               string
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	EmailVerificationTTL time.Duration
	RevocationTimeout    time.Duration
	NonceTTL             time.Duration
	VerificationURL      string
	AllowInsecureHTTP    bool
}

const (
	defaultAccessTTL            = 15 * time.Minute
	defaultRefreshTTL           = 7 * 24 * time.Hour
	defaultEmailVerificationTTL = 10 * time.Minute
	defaultRevocationTimeout    = 3 * time.Second
)

// TTLFor returns the configured lifetime for the kind, falling back to package defaults.
func (configuration ServerConfig) TTLFor(kind TokenKind) time.Duration {
	switch kind {
	case TokenKindAccess:
		if configuration.AccessTTL > 0 {
			return configuration.AccessTTL
		}
		return defaultAccessTTL
	case TokenKindRefresh:
		if configuration.RefreshTTL > 0 {
			return configuration.RefreshTTL
		}
		return defaultRefreshTTL
	case TokenKindEmailVerification:
		if configuration.EmailVerificationTTL > 0 {
			return configuration.EmailVerificationTTL
		}
		return defaultEmailVerificationTTL
	default:
		return 0
	}
}

func (configuration ServerConfig) revocationTimeout() time.Duration {
	if configuration.RevocationTimeout > 0 {
		return configuration.RevocationTimeout
	}
	return defaultRevocationTimeout
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
