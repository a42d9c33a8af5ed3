package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
)

// NIP-44 v2 limits.
const (
	nip44Version      = 2
	nip44Salt         = "nip44-v2"
	minPlaintextSize  = 1
	maxPlaintextSize  = 65535
	minPayloadB64Size = 132
	maxPayloadB64Size = 87472
	minPayloadSize    = 99
	maxPayloadSize    = 65603
)

var (
	ErrUnknownVersion = errors.New("nip44: unknown version")
	ErrInvalidPayload = errors.New("nip44: invalid payload")
	ErrInvalidMAC     = errors.New("nip44: invalid mac")
	ErrInvalidPadding = errors.New("nip44: invalid padding")
)

// ConversationKey derives the NIP-44 conversation key between kp and a peer.
// The key is symmetric: both sides derive the same value.
func ConversationKey(kp *keys.KeyPair, peerPub string) ([]byte, error) {
	shared, err := kp.SharedX(peerPub)
	if err != nil {
		return nil, fmt.Errorf("nip44 ecdh: %w", err)
	}
	return hkdf.Extract(sha256.New, shared, []byte(nip44Salt)), nil
}

// Encrypt encrypts plaintext under a conversation key with a random nonce.
func Encrypt(convKey []byte, plaintext string) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encryptWithNonce(convKey, plaintext, nonce)
}

func encryptWithNonce(convKey []byte, plaintext string, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	c.XORKeyStream(ciphertext, padded)

	out := make([]byte, 0, 1+len(nonce)+len(ciphertext)+sha256.Size)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, mac(hmacKey, nonce, ciphertext)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The MAC is checked in constant time before
// any decryption happens.
func Decrypt(convKey []byte, payload string) (string, error) {
	n := len(payload)
	if n == 0 || payload[0] == '#' {
		return "", ErrUnknownVersion
	}
	if n < minPayloadB64Size || n > maxPayloadB64Size {
		return "", fmt.Errorf("%w: size %d", ErrInvalidPayload, n)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	dn := len(data)
	if dn < minPayloadSize || dn > maxPayloadSize {
		return "", fmt.Errorf("%w: decoded size %d", ErrInvalidPayload, dn)
	}
	if data[0] != nip44Version {
		return "", ErrUnknownVersion
	}

	nonce := data[1:33]
	ciphertext := data[33 : dn-32]
	gotMAC := data[dn-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(gotMAC, mac(hmacKey, nonce, ciphertext)) {
		return "", ErrInvalidMAC
	}

	c, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	c.XORKeyStream(padded, ciphertext)
	return unpad(padded)
}

func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(convKey) != 32 {
		return nil, nil, nil, fmt.Errorf("nip44: conversation key must be 32 bytes")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, fmt.Errorf("nip44: nonce must be 32 bytes")
	}
	buf := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, convKey, nonce), buf); err != nil {
		return nil, nil, nil, fmt.Errorf("nip44 hkdf expand: %w", err)
	}
	return buf[0:32], buf[32:44], buf[44:76], nil
}

func mac(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// paddedLen rounds a plaintext length up to the NIP-44 bucket size.
func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, fmt.Errorf("nip44: plaintext length %d out of range", n)
	}
	out := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", ErrInvalidPadding
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < minPlaintextSize || len(padded) != 2+paddedLen(n) {
		return "", ErrInvalidPadding
	}
	return string(padded[2 : 2+n]), nil
}
