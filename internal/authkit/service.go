package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	tokenTypeBearer = "bearer"
	deliveryTimeout = 30 * time.Second
)

var (
	errMissingUsers       = errors.New("service.missing_user_directory")
	errMissingRevocations = errors.New("service.missing_revocation_store")
)

// TokenPair is returned by every successful login or rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ServiceOptions lists the collaborators of a Service. Only Users and Revocations are required.
type ServiceOptions struct {
	Configuration ServerConfig
	Revocations   RevocationStore
	Users         UserDirectory
	Passwords     PasswordHasher
	Notifier      Notifier
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// Service drives login, rotation, and logout over the issuer, verifier, revocation store, and resolver.
type Service struct {
	configuration ServerConfig
	issuer        *TokenIssuer
	verifier      *TokenVerifier
	revocations   RevocationStore
	identities    *IdentityResolver
	passwords     PasswordHasher
	notifier      Notifier
	logger        *zap.Logger
	metrics       MetricsRecorder
	deliveries    sync.WaitGroup
}

// NewService validates the configuration and wires the token components.
func NewService(options ServiceOptions) (*Service, error) {
	if options.Users == nil {
		return nil, fmt.Errorf("service.new: %w", errMissingUsers)
	}
	if options.Revocations == nil {
		return nil, fmt.Errorf("service.new: %w", errMissingRevocations)
	}
	codec, codecErr := NewClaimsCodec(options.Configuration.SigningKey, options.Configuration.SigningAlgorithm)
	if codecErr != nil {
		return nil, fmt.Errorf("service.new: %w", codecErr)
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if options.Metrics != nil {
		metrics = options.Metrics
	}
	passwords := options.Passwords
	if passwords == nil {
		passwords = NewBcryptHasher(0)
	}
	var notifier Notifier = NewLogNotifier(logger)
	if options.Notifier != nil {
		notifier = options.Notifier
	}
	return &Service{
		configuration: options.Configuration,
		issuer:        NewTokenIssuer(codec, options.Configuration, options.Clock),
		verifier:      NewTokenVerifier(codec, options.Revocations, options.Configuration, options.Clock),
		revocations:   options.Revocations,
		identities:    NewIdentityResolver(options.Users),
		passwords:     passwords,
		notifier:      notifier,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Verifier exposes the token verifier.
func (service *Service) Verifier() *TokenVerifier {
	return service.verifier
}

// Identities exposes the identity resolver.
func (service *Service) Identities() *IdentityResolver {
	return service.identities
}

// Register creates an unverified password user and sends the verification link.
func (service *Service) Register(ctx context.Context, email string, password string) (*User, error) {
	subject := NormalizeSubject(email)
	if subject == "" {
		return nil, fmt.Errorf("service.register: %w", ErrMalformed)
	}
	hashed, hashErr := service.passwords.Hash(password)
	if hashErr != nil {
		return nil, fmt.Errorf("service.register: %w", hashErr)
	}
	created, createErr := service.identities.directory.Create(ctx, User{Subject: subject, HashedPassword: hashed})
	if createErr != nil {
		return nil, fmt.Errorf("service.register: %w", createErr)
	}
	if _, linkErr := service.sendVerificationLink(ctx, created.Subject); linkErr != nil {
		return nil, linkErr
	}
	return created, nil
}

// LoginWithPassword checks the credential and the user's state, then issues a pair.
func (service *Service) LoginWithPassword(ctx context.Context, username string, password string) (TokenPair, error) {
	user, err := service.identities.Resolve(ctx, username)
	if err != nil {
		return TokenPair{}, service.loginFailed("password", err)
	}
	if user == nil {
		return TokenPair{}, service.loginFailed("password", ErrInvalidCredentials)
	}
	if compareErr := service.passwords.Compare(user.HashedPassword, password); compareErr != nil {
		return TokenPair{}, service.loginFailed("password", compareErr)
	}
	if stateErr := checkUserState(user, true); stateErr != nil {
		return TokenPair{}, service.loginFailed("password", stateErr)
	}
	return service.loginSucceeded("password", user)
}

// RequestEmailLogin ensures a user exists for the address and sends a verification link.
// Delivery happens in the background and never blocks the caller.
func (service *Service) RequestEmailLogin(ctx context.Context, email string) (IssuedToken, error) {
	user, err := service.identities.EnsureUser(ctx, email)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("service.email_login: %w", err)
	}
	if user.Disabled {
		return IssuedToken{}, ErrInactiveUser
	}
	return service.sendVerificationLink(ctx, user.Subject)
}

// RedeemEmailVerification consumes an email-verification token once and issues a pair.
func (service *Service) RedeemEmailVerification(ctx context.Context, token string) (TokenPair, error) {
	verified, verifyErr := service.verifier.VerifyEmailVerification(ctx, token)
	if verifyErr != nil {
		return TokenPair{}, service.loginFailed("email_link", verifyErr)
	}
	user, resolveErr := service.resolveActive(ctx, verified.Subject, false)
	if resolveErr != nil {
		return TokenPair{}, service.loginFailed("email_link", resolveErr)
	}
	_, inserted, revokeErr := service.revoke(ctx, verified, RevocationReasonRedeemed)
	if revokeErr != nil {
		return TokenPair{}, service.loginFailed("email_link", revokeErr)
	}
	if !inserted {
		return TokenPair{}, service.loginFailed("email_link", ErrRevoked)
	}
	user, markErr := service.identities.MarkEmailVerified(ctx, user)
	if markErr != nil {
		return TokenPair{}, service.loginFailed("email_link", markErr)
	}
	service.metrics.Increment(metricAuthEmailLinkRedeemed)
	return service.loginSucceeded("email_link", user)
}

// LoginWithExternalClaims upserts a provider-verified identity and issues a pair. No password is checked.
func (service *Service) LoginWithExternalClaims(ctx context.Context, claims ExternalClaims) (TokenPair, error) {
	if !claims.EmailVerified {
		return TokenPair{}, service.loginFailed("federated", ErrEmailNotVerified)
	}
	user, upsertErr := service.identities.UpsertFromExternalClaims(ctx, claims)
	if upsertErr != nil {
		return TokenPair{}, service.loginFailed("federated", upsertErr)
	}
	if stateErr := checkUserState(user, false); stateErr != nil {
		return TokenPair{}, service.loginFailed("federated", stateErr)
	}
	return service.loginSucceeded("federated", user)
}

// Refresh rotates a refresh token: the presented identifier is revoked before a new pair is minted.
// When two callers race on the same token, only the one whose revocation inserted the entry proceeds.
func (service *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	verified, verifyErr := service.verifier.VerifyRefresh(ctx, refreshToken)
	if verifyErr != nil {
		if errors.Is(verifyErr, ErrRevoked) {
			service.metrics.Increment(metricAuthRefreshReuse)
		}
		return TokenPair{}, service.refreshFailed(verifyErr)
	}
	_, inserted, revokeErr := service.revoke(ctx, verified, RevocationReasonRotated)
	if revokeErr != nil {
		return TokenPair{}, service.refreshFailed(revokeErr)
	}
	if !inserted {
		service.metrics.Increment(metricAuthRefreshReuse)
		return TokenPair{}, service.refreshFailed(ErrRevoked)
	}
	user, resolveErr := service.resolveActive(ctx, verified.Subject, false)
	if resolveErr != nil {
		return TokenPair{}, service.refreshFailed(resolveErr)
	}
	pair, issueErr := service.issuePair(user.Subject)
	if issueErr != nil {
		return TokenPair{}, service.refreshFailed(issueErr)
	}
	service.metrics.Increment(metricAuthRefreshSuccess)
	return pair, nil
}

// Logout identifies the caller by access token and revokes the supplied refresh token, if any.
// Access tokens are left to expire.
func (service *Service) Logout(ctx context.Context, accessToken string, refreshToken string) error {
	caller, accessErr := service.verifier.VerifyAccess(accessToken)
	if accessErr != nil {
		return accessErr
	}
	if refreshToken == "" {
		service.metrics.Increment(metricAuthLogoutSuccess)
		return nil
	}
	verified, refreshErr := service.verifier.VerifyRefresh(ctx, refreshToken)
	if errors.Is(refreshErr, ErrRevoked) {
		service.metrics.Increment(metricAuthLogoutSuccess)
		return nil
	}
	if refreshErr != nil {
		return refreshErr
	}
	if verified.Subject != caller.Subject {
		return ErrSubjectMismatch
	}
	if _, _, revokeErr := service.revoke(ctx, verified, RevocationReasonLogout); revokeErr != nil {
		service.logger.Error("logout revocation failed",
			zap.String("code", "auth.logout.revoke_failed"),
			zap.String("subject", caller.Subject),
			zap.Error(revokeErr))
		return revokeErr
	}
	service.metrics.Increment(metricAuthLogoutSuccess)
	return nil
}

// Authenticate resolves the active user behind an access token.
func (service *Service) Authenticate(ctx context.Context, accessToken string) (*User, VerifiedToken, error) {
	verified, err := service.verifier.VerifyAccess(accessToken)
	if err != nil {
		return nil, VerifiedToken{}, err
	}
	user, resolveErr := service.resolveActive(ctx, verified.Subject, false)
	if resolveErr != nil {
		return nil, VerifiedToken{}, resolveErr
	}
	return user, verified, nil
}

// WaitForDeliveries blocks until background notifications finish.
func (service *Service) WaitForDeliveries() {
	service.deliveries.Wait()
}

func (service *Service) sendVerificationLink(ctx context.Context, subject string) (IssuedToken, error) {
	issued, issueErr := service.issuer.IssueEmailVerification(subject, 0)
	if issueErr != nil {
		return IssuedToken{}, fmt.Errorf("service.email_login: %w", issueErr)
	}
	link, linkErr := buildVerificationLink(service.configuration.VerificationURL, issued.Token)
	if linkErr != nil {
		return IssuedToken{}, fmt.Errorf("service.email_login: %w", linkErr)
	}
	service.metrics.Increment(metricAuthEmailLinkIssued)

	deliveryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	service.deliveries.Add(1)
	go func() {
		defer service.deliveries.Done()
		defer cancel()
		if err := service.notifier.Deliver(deliveryCtx, subject, link); err != nil {
			service.metrics.Increment(metricAuthEmailDeliveryFailed)
			service.logger.Warn("verification delivery failed",
				zap.String("code", "auth.email_link.delivery_failed"),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()
	return issued, nil
}

func (service *Service) revoke(ctx context.Context, verified VerifiedToken, reason string) (RevocationEntry, bool, error) {
	revokeCtx, cancel := context.WithTimeout(ctx, service.configuration.revocationTimeout())
	defer cancel()
	entry, inserted, err := service.revocations.Revoke(revokeCtx, RevocationEntry{
		TokenID:   verified.TokenID,
		Kind:      verified.Kind,
		SubjectID: verified.Subject,
		ExpiresAt: verified.ExpiresAt,
		Reason:    reason,
	})
	if err != nil {
		return RevocationEntry{}, false, err
	}
	if deadlineErr := revokeCtx.Err(); deadlineErr != nil {
		return RevocationEntry{}, false, StoreFailure("revoke", "timeout", deadlineErr)
	}
	return entry, inserted, nil
}

func (service *Service) resolveActive(ctx context.Context, subject string, requireVerified bool) (*User, error) {
	user, err := service.identities.Resolve(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownSubject
	}
	if stateErr := checkUserState(user, requireVerified); stateErr != nil {
		return nil, stateErr
	}
	return user, nil
}

func checkUserState(user *User, requireVerified bool) error {
	if user.Disabled {
		return ErrInactiveUser
	}
	if requireVerified && !user.EmailVerified {
		return ErrEmailNotVerified
	}
	return nil
}

func (service *Service) issuePair(subject string) (TokenPair, error) {
	access, accessErr := service.issuer.IssueAccess(subject, 0)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refresh, refreshErr := service.issuer.IssueRefresh(subject, 0)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(access.ExpiresAt.Sub(access.IssuedAt) / time.Second),
	}, nil
}

func (service *Service) loginSucceeded(method string, user *User) (TokenPair, error) {
	pair, err := service.issuePair(user.Subject)
	if err != nil {
		return TokenPair{}, service.loginFailed(method, err)
	}
	service.metrics.Increment(metricAuthLoginSuccess)
	service.logger.Info("login succeeded",
		zap.String("code", "auth.login.success"),
		zap.String("method", method),
		zap.String("subject", user.Subject))
	return pair, nil
}

func (service *Service) loginFailed(method string, err error) error {
	service.metrics.Increment(metricAuthLoginFailure)
	service.logger.Warn("login failed",
		zap.String("code", ErrorCode(err)),
		zap.String("method", method))
	return err
}

func (service *Service) refreshFailed(err error) error {
	service.metrics.Increment(metricAuthRefreshFailure)
	service.logger.Warn("refresh failed", zap.String("code", ErrorCode(err)))
	return err
}

func buildVerificationLink(baseURL string, token string) (string, error) {
	if baseURL == "" {
		baseURL = "/auth/email/verify-token"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
