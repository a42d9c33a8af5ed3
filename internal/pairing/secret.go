package pairing

import (
	"crypto/rand"
	"fmt"
)

const (
	// SecretAlphabet excludes ambiguous characters (0, o, 1, l).
	// It has exactly 32 symbols; NewSecret relies on that.
	SecretAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"
	// SecretLength is the number of characters in a pairing secret.
	SecretLength = 8
)

// NewSecret returns a random single-use pairing secret.
func NewSecret() (string, error) {
	b := make([]byte, SecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pairing secret: %w", err)
	}
	out := make([]byte, SecretLength)
	for i := range out {
		out[i] = SecretAlphabet[b[i]&31]
	}
	return string(out), nil
}
