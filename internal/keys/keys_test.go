package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Vectors from NIP-19.
const (
	vectorNpub   = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	vectorPubHex = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	vectorNsec   = "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
	vectorSecHex = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
)

func TestParseSecret_Formats(t *testing.T) {
	fromNsec, err := ParseSecret(vectorNsec)
	if err != nil {
		t.Fatalf("ParseSecret(nsec): %v", err)
	}
	if fromNsec.SecretHex() != vectorSecHex {
		t.Errorf("secret hex = %s, want %s", fromNsec.SecretHex(), vectorSecHex)
	}

	fromHex, err := ParseSecret("  " + vectorSecHex + "\n")
	if err != nil {
		t.Fatalf("ParseSecret(hex): %v", err)
	}
	if fromHex.PublicKey() != fromNsec.PublicKey() {
		t.Errorf("public keys differ: %s vs %s", fromHex.PublicKey(), fromNsec.PublicKey())
	}
	if fromHex.Nsec() != vectorNsec {
		t.Errorf("Nsec() = %s, want %s", fromHex.Nsec(), vectorNsec)
	}
}

func TestParseSecret_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short_hex", "abcd"},
		{"not_hex", strings.Repeat("z", 64)},
		{"zero", strings.Repeat("0", 64)},
		{"over_order", strings.Repeat("f", 64)},
		{"npub_as_secret", vectorNpub},
		{"bad_checksum", vectorNsec[:len(vectorNsec)-1] + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSecret(tt.in); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ParseSecret(%q) error = %v, want ErrInvalidKey", tt.in, err)
			}
		})
	}
}

func TestNpub(t *testing.T) {
	got, err := EncodeNpub(vectorPubHex)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	if got != vectorNpub {
		t.Errorf("EncodeNpub = %s, want %s", got, vectorNpub)
	}

	back, err := DecodeNpub(vectorNpub)
	if err != nil {
		t.Fatalf("DecodeNpub: %v", err)
	}
	if back != vectorPubHex {
		t.Errorf("DecodeNpub = %s, want %s", back, vectorPubHex)
	}

	if _, err := DecodeNpub(vectorNsec); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DecodeNpub(nsec) error = %v, want ErrInvalidKey", err)
	}
}

func TestNormalizePublicKey(t *testing.T) {
	for _, in := range []string{vectorNpub, vectorPubHex} {
		got, err := NormalizePublicKey(in)
		if err != nil {
			t.Fatalf("NormalizePublicKey(%s): %v", in, err)
		}
		if got != vectorPubHex {
			t.Errorf("NormalizePublicKey(%s) = %s", in, got)
		}
	}
	if _, err := NormalizePublicKey("deadbeef"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestGenerate_Unique(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.PublicKey() == b.PublicKey() {
		t.Error("two generated keys share a public key")
	}
	if !ValidPublicKeyHex(a.PublicKey()) {
		t.Errorf("generated public key %s is not valid", a.PublicKey())
	}
}

func TestSharedX_Symmetric(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()

	ab, err := a.SharedX(b.PublicKey())
	if err != nil {
		t.Fatalf("SharedX: %v", err)
	}
	ba, err := b.SharedX(a.PublicKey())
	if err != nil {
		t.Fatalf("SharedX: %v", err)
	}
	if string(ab) != string(ba) || len(ab) != 32 {
		t.Errorf("shared secrets differ or wrong size: %x vs %x", ab, ba)
	}
}

func TestSignAndVerifyEvent(t *testing.T) {
	kp, _ := Generate()
	ev := protocol.NewEvent(protocol.KindNostrConnect, "hello", protocol.Tags{{"p", kp.PublicKey()}})
	if err := kp.SignEvent(ev); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if ev.PubKey != kp.PublicKey() {
		t.Errorf("pubkey = %s, want %s", ev.PubKey, kp.PublicKey())
	}
	if err := VerifyEvent(ev); err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}

	tampered := *ev
	tampered.Content = "bye"
	if err := VerifyEvent(&tampered); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered content error = %v, want ErrBadSignature", err)
	}

	other, _ := Generate()
	forged := *ev
	forged.PubKey = other.PublicKey()
	forged.ID = forged.ComputeID()
	if err := VerifyEvent(&forged); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged pubkey error = %v, want ErrBadSignature", err)
	}
}
