package authkit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSigningAlgorithm = "HS256"

var (
	errEmptySigningKey      = errors.New("codec.empty_signing_key")
	errUnsupportedAlgorithm = errors.New("codec.unsupported_algorithm")
)

// TokenClaims is the signed payload shared by every token kind.
type TokenClaims struct {
	Type TokenKind `json:"type"`
	jwt.RegisteredClaims
}

// ClaimsCodec signs and decodes token payloads with a single symmetric key and algorithm.
type ClaimsCodec struct {
	signingKey []byte
	method     jwt.SigningMethod
	parser     *jwt.Parser
}

// NewClaimsCodec constructs a codec for an HMAC algorithm (HS256, HS384, HS512).
func NewClaimsCodec(signingKey []byte, algorithm string) (*ClaimsCodec, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("codec.new: %w", errEmptySigningKey)
	}
	algorithm = strings.ToUpper(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = defaultSigningAlgorithm
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("codec.new.%s: %w", algorithm, errUnsupportedAlgorithm)
	}
	keyCopy := make([]byte, len(signingKey))
	copy(keyCopy, signingKey)
	return &ClaimsCodec{
		signingKey: keyCopy,
		method:     method,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithStrictDecoding(),
		),
	}, nil
}

// Algorithm reports the configured algorithm identifier.
func (codec *ClaimsCodec) Algorithm() string {
	return codec.method.Alg()
}

// Sign serializes and signs the claims.
func (codec *ClaimsCodec) Sign(claims TokenClaims) (string, error) {
	signed, err := jwt.NewWithClaims(codec.method, claims).SignedString(codec.signingKey)
	if err != nil {
		return "", fmt.Errorf("codec.sign: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the claims. Expiry is not judged here.
func (codec *ClaimsCodec) Decode(tokenString string) (TokenClaims, error) {
	if !looksLikeCompactJWS(tokenString) {
		return TokenClaims{}, ErrMalformed
	}
	claims := TokenClaims{}
	parsedToken, parseErr := codec.parser.ParseWithClaims(tokenString, &claims, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	})
	if parseErr != nil {
		return TokenClaims{}, classifyParseError(parseErr)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return TokenClaims{}, ErrInvalidSignature
	}
	return claims, nil
}

func looksLikeCompactJWS(tokenString string) bool {
	if tokenString == "" || strings.TrimSpace(tokenString) != tokenString {
		return false
	}
	segments := strings.Split(tokenString, ".")
	if len(segments) != 3 {
		return false
	}
	for _, segment := range segments {
		if segment == "" {
			return false
		}
	}
	return true
}

// classifyParseError collapses jwt parser errors to the two codec failure kinds.
func classifyParseError(parseErr error) error {
	switch {
	case errors.Is(parseErr, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid), errors.Is(parseErr, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return ErrMalformed
	}
}
