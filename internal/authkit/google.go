package authkit

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

var (
	errGoogleInvalidIssuer = errors.New("google.invalid_issuer")
	errGoogleNonceMismatch = errors.New("google.nonce_mismatch")
	errGoogleMissingClaims = errors.New("google.missing_claims")
)

// GoogleTokenValidator validates Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the idtoken validator backed by Google's published keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleFederation turns a Google ID token into verified external claims.
type GoogleFederation struct {
	validator GoogleTokenValidator
	nonces    NonceStore
	audience  string
}

// NewGoogleFederation wires the validator and nonce store for the configured client id.
func NewGoogleFederation(validator GoogleTokenValidator, nonces NonceStore, audience string) *GoogleFederation {
	return &GoogleFederation{validator: validator, nonces: nonces, audience: audience}
}

// IssueNonce hands out a one-time nonce the browser embeds in the Google sign-in request.
func (federation *GoogleFederation) IssueNonce(ctx context.Context) (string, error) {
	return federation.nonces.Issue(ctx)
}

// Exchange validates the ID token, consumes the nonce, and returns the identity claims.
func (federation *GoogleFederation) Exchange(ctx context.Context, googleIDToken string, nonce string) (ExternalClaims, error) {
	if consumeErr := federation.nonces.Consume(ctx, nonce); consumeErr != nil {
		return ExternalClaims{}, fmt.Errorf("google.exchange: %w", consumeErr)
	}
	payload, validateErr := federation.validator.Validate(ctx, googleIDToken, federation.audience)
	if validateErr != nil {
		return ExternalClaims{}, fmt.Errorf("google.exchange: %w", validateErr)
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return ExternalClaims{}, errGoogleInvalidIssuer
	}
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if tokenNonce != nonce {
		return ExternalClaims{}, errGoogleNonceMismatch
	}
	claims := ExternalClaimsFromMap(payload.Claims)
	if claims.ProviderSubject == "" || claims.Email == "" {
		return ExternalClaims{}, errGoogleMissingClaims
	}
	return claims, nil
}
