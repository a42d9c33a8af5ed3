// Package crypto seals secret key material at rest (AES-256-GCM) and
// implements NIP-44 v2 payload encryption for remote-signer messages.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const sealPrefix = "aes-gcm:"

// ErrUnseal is returned when a sealed value cannot be opened with the given key.
var ErrUnseal = errors.New("unseal failed: invalid key or corrupted data")

var errNoSealKey = errors.New("value is sealed but no encryption key is configured")

// Sealer encrypts short secrets for storage. A nil *Sealer passes values through
// unchanged, so stores work without a configured key.
//
// A value sealed for one field only opens for that field: the field name is
// the GCM associated data.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a key string (see DeriveKey).
// An empty key returns a nil Sealer.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := DeriveKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("sealer cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal is SealFor with no field binding.
func (s *Sealer) Seal(plaintext string) (string, error) {
	return s.SealFor("", plaintext)
}

// Open is OpenFor with no field binding.
func (s *Sealer) Open(value string) (string, error) {
	return s.OpenFor("", value)
}

// SealFor encrypts plaintext bound to field. The result is
// "aes-gcm:" + base64(nonce | ciphertext | tag). Empty input stays empty.
func (s *Sealer) SealFor(field, plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealer nonce: %w", err)
	}
	box := s.aead.Seal(nonce, nonce, []byte(plaintext), associatedData(field))
	return sealPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// OpenFor reverses SealFor. Unprefixed values are returned as-is so records
// written before a key was configured still load.
func (s *Sealer) OpenFor(field, value string) (string, error) {
	body, sealed := strings.CutPrefix(value, sealPrefix)
	if !sealed {
		return value, nil
	}
	if s == nil {
		return "", errNoSealKey
	}
	box, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(box) < s.aead.NonceSize() {
		return "", ErrUnseal
	}
	nonce, ciphertext := box[:s.aead.NonceSize()], box[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, associatedData(field))
	if err != nil {
		return "", ErrUnseal
	}
	return string(plaintext), nil
}

func associatedData(field string) []byte {
	if field == "" {
		return nil
	}
	return []byte("nostrlink/" + field)
}

// IsSealed reports whether value carries the seal prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealPrefix)
}

// keyDecoders are tried in order; the first that yields 32 bytes wins.
var keyDecoders = []struct {
	name   string
	decode func(string) ([]byte, error)
}{
	{"hex", hex.DecodeString},
	{"base64", base64.StdEncoding.DecodeString},
	{"raw", func(s string) ([]byte, error) { return []byte(s), nil }},
}

// DeriveKey turns a configured key into 32 AES key bytes. The key may be
// 64 hex characters, standard base64 of 32 bytes, or 32 raw bytes.
func DeriveKey(input string) ([]byte, error) {
	input = strings.TrimSpace(input)
	for _, d := range keyDecoders {
		if b, err := d.decode(input); err == nil && len(b) == 32 {
			return b, nil
		}
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes (got %d chars; expected hex, base64 or raw)", len(input))
}
