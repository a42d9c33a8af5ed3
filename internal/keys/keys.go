// Package keys handles secp256k1 key material for nostr identities:
// generation, hex and bech32 (nsec/npub) codecs, and BIP-340 event signatures.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrInvalidKey is returned when key material cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a secp256k1 secret key with its x-only public key.
type KeyPair struct {
	secret *secp256k1.PrivateKey
	public string // 32-byte x-only, hex
}

// Generate returns a fresh random key pair.
func Generate() (*KeyPair, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromPrivate(sk), nil
}

// ParseSecret accepts a 64-char hex secret key or a bech32 "nsec1..." string.
func ParseSecret(s string) (*KeyPair, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	switch {
	case strings.HasPrefix(s, HRPSecret+"1"):
		b, err := decodeBech32(HRPSecret, s)
		if err != nil {
			return nil, err
		}
		raw = b
	case len(s) == 64:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("%w: expected 64 hex chars or nsec", ErrInvalidKey)
	}
	return fromBytes(raw)
}

func fromBytes(raw []byte) (*KeyPair, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: secret out of range", ErrInvalidKey)
	}
	return fromPrivate(secp256k1.NewPrivateKey(&scalar)), nil
}

func fromPrivate(sk *secp256k1.PrivateKey) *KeyPair {
	return &KeyPair{
		secret: sk,
		public: hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
	}
}

// PublicKey returns the hex x-only public key.
func (k *KeyPair) PublicKey() string { return k.public }

// SecretHex returns the hex secret key. Callers must not log it.
func (k *KeyPair) SecretHex() string {
	return hex.EncodeToString(k.secret.Serialize())
}

// Nsec returns the bech32 secret key.
func (k *KeyPair) Nsec() string {
	s, _ := encodeBech32(HRPSecret, k.secret.Serialize())
	return s
}

// Npub returns the bech32 public key.
func (k *KeyPair) Npub() string {
	s, _ := EncodeNpub(k.public)
	return s
}

// SharedX returns the x coordinate of the ECDH point with a peer's
// x-only public key. It is the input keying material for NIP-44.
func (k *KeyPair) SharedX(peerPubHex string) ([]byte, error) {
	pub, err := parsePublic(peerPubHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(k.secret, pub), nil
}

// ValidPublicKeyHex reports whether s is a 64-char hex x-only key on the curve.
func ValidPublicKeyHex(s string) bool {
	_, err := parsePublic(s)
	return err == nil
}

func parsePublic(s string) (*secp256k1.PublicKey, error) {
	if len(s) != 64 {
		return nil, fmt.Errorf("%w: public key must be 64 hex chars", ErrInvalidKey)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}
