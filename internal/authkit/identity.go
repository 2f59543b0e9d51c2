package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUserExists is returned by a UserDirectory when Create races with another insert.
var ErrUserExists = errors.New("users.already_exists")

// User is the directory record the auth core reads.
type User struct {
	Subject        string
	HashedPassword string
	FullName       string
	GivenName      string
	FamilyName     string
	Picture        string
	EmailVerified  bool
	Disabled       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProfileUpdate lists the fields to overwrite; nil pointers are left untouched.
type ProfileUpdate struct {
	FullName       *string
	GivenName      *string
	FamilyName     *string
	Picture        *string
	EmailVerified  *bool
	HashedPassword *string
}

// IsEmpty reports whether the update changes nothing.
func (update ProfileUpdate) IsEmpty() bool {
	return update.FullName == nil && update.GivenName == nil && update.FamilyName == nil &&
		update.Picture == nil && update.EmailVerified == nil && update.HashedPassword == nil
}

// Apply copies the set fields onto the user.
func (update ProfileUpdate) Apply(user *User) {
	if update.FullName != nil {
		user.FullName = *update.FullName
	}
	if update.GivenName != nil {
		user.GivenName = *update.GivenName
	}
	if update.FamilyName != nil {
		user.FamilyName = *update.FamilyName
	}
	if update.Picture != nil {
		user.Picture = *update.Picture
	}
	if update.EmailVerified != nil {
		user.EmailVerified = *update.EmailVerified
	}
	if update.HashedPassword != nil {
		user.HashedPassword = *update.HashedPassword
	}
}

// UserDirectory persists application users keyed by subject.
type UserDirectory interface {
	// FindBySubject returns nil, nil when no user matches.
	FindBySubject(ctx context.Context, subject string) (*User, error)
	Create(ctx context.Context, user User) (*User, error)
	UpdateFields(ctx context.Context, subject string, update ProfileUpdate) (*User, error)
}

// ExternalClaims is the verified identity a federated provider hands back.
type ExternalClaims struct {
	ProviderSubject string
	Email           string
	EmailVerified   bool
	Name            string
	GivenName       string
	FamilyName      string
	Picture         string
}

// ExternalClaimsFromMap reads the standard OpenID Connect claim names.
func ExternalClaimsFromMap(claims map[string]interface{}) ExternalClaims {
	stringClaim := func(name string) string {
		value, _ := claims[name].(string)
		return value
	}
	emailVerified, _ := claims["email_verified"].(bool)
	if !emailVerified {
		// some providers serialize the flag as a string
		emailVerified = stringClaim("email_verified") == "true"
	}
	return ExternalClaims{
		ProviderSubject: stringClaim("sub"),
		Email:           stringClaim("email"),
		EmailVerified:   emailVerified,
		Name:            stringClaim("name"),
		GivenName:       stringClaim("given_name"),
		FamilyName:      stringClaim("family_name"),
		Picture:         stringClaim("picture"),
	}
}

// IdentityResolver maps token subjects to directory users.
type IdentityResolver struct {
	directory UserDirectory
}

// NewIdentityResolver wraps a user directory.
func NewIdentityResolver(directory UserDirectory) *IdentityResolver {
	return &IdentityResolver{directory: directory}
}

// NormalizeSubject canonicalizes an email-style subject.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// Resolve returns the user for the subject, or nil when absent.
func (resolver *IdentityResolver) Resolve(ctx context.Context, subject string) (*User, error) {
	normalized := NormalizeSubject(subject)
	if normalized == "" {
		return nil, nil
	}
	user, err := resolver.directory.FindBySubject(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("identity.resolve: %w", err)
	}
	return user, nil
}

// UpsertFromExternalClaims creates a provider-verified user or back-fills empty profile fields.
// Fields the user already set are never overwritten.
func (resolver *IdentityResolver) UpsertFromExternalClaims(ctx context.Context, claims ExternalClaims) (*User, error) {
	subject := NormalizeSubject(claims.Email)
	if subject == "" {
		return nil, fmt.Errorf("identity.upsert: %w", ErrMalformed)
	}
	existing, findErr := resolver.Resolve(ctx, subject)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil {
		created, createErr := resolver.directory.Create(ctx, User{
			Subject:       subject,
			FullName:      claims.Name,
			GivenName:     claims.GivenName,
			FamilyName:    claims.FamilyName,
			Picture:       claims.Picture,
			EmailVerified: claims.EmailVerified,
		})
		if createErr == nil {
			return created, nil
		}
		if !errors.Is(createErr, ErrUserExists) {
			return nil, fmt.Errorf("identity.upsert.create: %w", createErr)
		}
		existing, findErr = resolver.Resolve(ctx, subject)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("identity.upsert.create: %w", createErr)
		}
	}
	update := fillEmptyFields(*existing, claims)
	if update.IsEmpty() {
		return existing, nil
	}
	updated, updateErr := resolver.directory.UpdateFields(ctx, subject, update)
	if updateErr != nil {
		return nil, fmt.Errorf("identity.upsert.update: %w", updateErr)
	}
	return updated, nil
}

// EnsureUser returns the user for the email, creating an unverified passwordless record when absent.
func (resolver *IdentityResolver) EnsureUser(ctx context.Context, email string) (*User, error) {
	subject := NormalizeSubject(email)
	if subject == "" {
		return nil, fmt.Errorf("identity.ensure: %w", ErrMalformed)
	}
	existing, findErr := resolver.Resolve(ctx, subject)
	if findErr != nil || existing != nil {
		return existing, findErr
	}
	created, createErr := resolver.directory.Create(ctx, User{Subject: subject})
	if errors.Is(createErr, ErrUserExists) {
		return resolver.Resolve(ctx, subject)
	}
	if createErr != nil {
		return nil, fmt.Errorf("identity.ensure.create: %w", createErr)
	}
	return created, nil
}

// MarkEmailVerified flips the verification flag when it is not already set.
func (resolver *IdentityResolver) MarkEmailVerified(ctx context.Context, user *User) (*User, error) {
	if user.EmailVerified {
		return user, nil
	}
	verified := true
	updated, err := resolver.directory.UpdateFields(ctx, user.Subject, ProfileUpdate{EmailVerified: &verified})
	if err != nil {
		return nil, fmt.Errorf("identity.verify_email: %w", err)
	}
	return updated, nil
}

func fillEmptyFields(existing User, claims ExternalClaims) ProfileUpdate {
	update := ProfileUpdate{}
	fill := func(current string, incoming string) *string {
		if strings.TrimSpace(current) != "" || strings.TrimSpace(incoming) == "" {
			return nil
		}
		value := incoming
		return &value
	}
	update.FullName = fill(existing.FullName, claims.Name)
	update.GivenName = fill(existing.GivenName, claims.GivenName)
	update.FamilyName = fill(existing.FamilyName, claims.FamilyName)
	update.Picture = fill(existing.Picture, claims.Picture)
	if claims.EmailVerified && !existing.EmailVerified {
		verified := true
		update.EmailVerified = &verified
	}
	return update
}
