package authkit

import "errors"

var (
	// ErrMalformed indicates structurally invalid token input.
	ErrMalformed = errors.New("token.malformed")
	// ErrInvalidSignature indicates a token signed with another key or algorithm, or tampered bytes.
	ErrInvalidSignature = errors.New("token.invalid_signature")
	// ErrExpired indicates the token expiry is not in the future.
	ErrExpired = errors.New("token.expired")
	// ErrWrongKind indicates a token presented at a use site for another kind.
	ErrWrongKind = errors.New("token.wrong_kind")
	// ErrRevoked indicates the token identifier is present in the revocation store.
	ErrRevoked = errors.New("token.revoked")
	// ErrUnknownSubject indicates a valid token whose subject has no user record.
	ErrUnknownSubject = errors.New("auth.unknown_subject")
	// ErrInactiveUser indicates the user record is disabled.
	ErrInactiveUser = errors.New("auth.inactive_user")
	// ErrEmailNotVerified indicates the user has not verified the email address.
	ErrEmailNotVerified = errors.New("auth.email_not_verified")
	// ErrInvalidCredentials indicates an unknown username or a password mismatch.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrSubjectMismatch indicates access and refresh tokens presented together belong to different subjects.
	ErrSubjectMismatch = errors.New("auth.subject_mismatch")
	// ErrStoreUnavailable indicates the revocation store could not confirm a read or write.
	ErrStoreUnavailable = errors.New("revocation.unavailable")
	// ErrEmptyTokenID indicates a revocation entry without an identifier.
	ErrEmptyTokenID = errors.New("revocation.empty_jti")

	errEmptySubject = errors.New("token.empty_subject")
)

var errorCodeOrder = []error{
	ErrMalformed,
	ErrInvalidSignature,
	ErrExpired,
	ErrWrongKind,
	ErrRevoked,
	ErrUnknownSubject,
	ErrInactiveUser,
	ErrEmailNotVerified,
	ErrInvalidCredentials,
	ErrSubjectMismatch,
	ErrStoreUnavailable,
}

// ErrorCode returns the stable code for an error produced by this package, or "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range errorCodeOrder {
		if errors.Is(err, candidate) {
			return candidate.Error()
		}
	}
	return "internal"
}
