package authkit

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var tokenIDRandomSource io.Reader = rand.Reader

func newTokenID() (string, error) {
	identifier, err := uuid.NewRandomFromReader(tokenIDRandomSource)
	if err != nil {
		return "", fmt.Errorf("token.random: %w", err)
	}
	return identifier.String(), nil
}
