package keys

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// NIP-19 human readable prefixes.
const (
	HRPSecret = "nsec"
	HRPPublic = "npub"
)

// EncodeNpub converts a hex public key to its npub form.
func EncodeNpub(pubHex string) (string, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 bytes hex", ErrInvalidKey)
	}
	return encodeBech32(HRPPublic, b)
}

// DecodeNpub converts an npub to a hex public key.
func DecodeNpub(npub string) (string, error) {
	b, err := decodeBech32(HRPPublic, npub)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NormalizePublicKey accepts hex or npub and returns hex.
func NormalizePublicKey(s string) (string, error) {
	if len(s) > len(HRPPublic) && s[:len(HRPPublic)+1] == HRPPublic+"1" {
		s2, err := DecodeNpub(s)
		if err != nil {
			return "", err
		}
		s = s2
	}
	if !ValidPublicKeyHex(s) {
		return "", fmt.Errorf("%w: %q is not a public key", ErrInvalidKey, s)
	}
	return s, nil
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("bech32 convert: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

func decodeBech32(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("%w: prefix %q, want %q", ErrInvalidKey, hrp, wantHRP)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: payload must be 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	return b, nil
}
