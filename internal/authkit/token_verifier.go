package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// VerifiedToken carries the claims a caller needs after a successful verification.
type VerifiedToken struct {
	Subject   string
	TokenID   string
	Issuer    string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier checks signature, expiry, kind, and revocation state.
type TokenVerifier struct {
	codec       *ClaimsCodec
	revocations RevocationStore
	clock       Clock
	timeout     time.Duration
}

// NewTokenVerifier wires a verifier. A nil revocation store limits it to stateless access-token checks.
func NewTokenVerifier(codec *ClaimsCodec, revocations RevocationStore, configuration ServerConfig, clock Clock) *TokenVerifier {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenVerifier{
		codec:       codec,
		revocations: revocations,
		clock:       clock,
		timeout:     configuration.revocationTimeout(),
	}
}

// VerifyAccess validates an access token. Access tokens are never consulted against the revocation store.
func (verifier *TokenVerifier) VerifyAccess(tokenString string) (VerifiedToken, error) {
	return verifier.verifyStateless(tokenString, TokenKindAccess)
}

// VerifyRefresh validates a refresh token and rejects revoked identifiers.
func (verifier *TokenVerifier) VerifyRefresh(ctx context.Context, tokenString string) (VerifiedToken, error) {
	return verifier.verifyRevocable(ctx, tokenString, TokenKindRefresh)
}

// VerifyEmailVerification validates an email-verification token and rejects redeemed identifiers.
func (verifier *TokenVerifier) VerifyEmailVerification(ctx context.Context, tokenString string) (VerifiedToken, error) {
	return verifier.verifyRevocable(ctx, tokenString, TokenKindEmailVerification)
}

func (verifier *TokenVerifier) verifyRevocable(ctx context.Context, tokenString string, kind TokenKind) (VerifiedToken, error) {
	verified, err := verifier.verifyStateless(tokenString, kind)
	if err != nil {
		return VerifiedToken{}, err
	}
	revoked, lookupErr := verifier.isRevoked(ctx, verified.TokenID)
	if lookupErr != nil {
		return VerifiedToken{}, fmt.Errorf("token.verify.%s: %w", kind, lookupErr)
	}
	if revoked {
		return VerifiedToken{}, ErrRevoked
	}
	return verified, nil
}

// verifyStateless runs the shared check sequence: signature, expiry, kind, then claim presence.
func (verifier *TokenVerifier) verifyStateless(tokenString string, expected TokenKind) (VerifiedToken, error) {
	claims, decodeErr := verifier.codec.Decode(tokenString)
	if decodeErr != nil {
		return VerifiedToken{}, decodeErr
	}
	if claims.ExpiresAt == nil || !verifier.clock.Now().Before(claims.ExpiresAt.Time) {
		return VerifiedToken{}, ErrExpired
	}
	if claims.Type != expected {
		return VerifiedToken{}, ErrWrongKind
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return VerifiedToken{}, ErrMalformed
	}
	verified := VerifiedToken{
		Subject:   claims.Subject,
		TokenID:   claims.ID,
		Issuer:    claims.Issuer,
		Kind:      claims.Type,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return verified, nil
}

func (verifier *TokenVerifier) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	if verifier.revocations == nil {
		return false, fmt.Errorf("revocation_store.missing: %w", ErrStoreUnavailable)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, verifier.timeout)
	defer cancel()
	revoked, err := verifier.revocations.IsRevoked(lookupCtx, tokenID)
	if err != nil {
		return false, err
	}
	if deadlineErr := lookupCtx.Err(); deadlineErr != nil {
		return false, StoreFailure("is_revoked", "timeout", deadlineErr)
	}
	return revoked, nil
}
