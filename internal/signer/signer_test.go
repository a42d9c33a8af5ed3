package signer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

type countingSigner struct {
	Signer
	closes atomic.Int32
}

func (c *countingSigner) Close() error {
	c.closes.Add(1)
	return nil
}

func TestSlot_StoreReplaceClear(t *testing.T) {
	var slot Slot
	if _, _, ok := slot.Load(); ok {
		t.Fatal("empty slot reports a signer")
	}

	kp, _ := keys.Generate()
	a := &countingSigner{Signer: NewLocal(kp)}
	b := &countingSigner{Signer: NewLocal(kp)}

	slot.Store(a, "key")
	got, method, ok := slot.Load()
	if !ok || got != a || method != "key" {
		t.Fatalf("Load = %v, %q, %v", got, method, ok)
	}

	slot.Store(b, "bunker")
	if a.closes.Load() != 1 {
		t.Errorf("replaced signer closed %d times", a.closes.Load())
	}

	slot.Clear()
	slot.Clear()
	if b.closes.Load() != 1 {
		t.Errorf("cleared signer closed %d times", b.closes.Load())
	}
	if _, _, ok := slot.Load(); ok {
		t.Error("slot not empty after Clear")
	}
}

func TestLocal_SignEvent(t *testing.T) {
	kp, _ := keys.Generate()
	l := NewLocal(kp)
	ev := protocol.NewEvent(1, "hi", nil)
	if err := l.SignEvent(context.Background(), ev); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if err := keys.VerifyEvent(ev); err != nil {
		t.Errorf("VerifyEvent: %v", err)
	}
}

func TestNone_Unavailable(t *testing.T) {
	if _, err := (None{}).Probe(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestKeychain(t *testing.T) {
	keyring.MockInit()
	kc := Keychain{Service: "nostrlink-test", User: "nsec"}
	ctx := context.Background()

	if _, err := kc.Probe(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Probe on empty keychain = %v, want ErrUnavailable", err)
	}

	if err := kc.Set("not a key"); !errors.Is(err, keys.ErrInvalidKey) {
		t.Errorf("Set(invalid) = %v, want ErrInvalidKey", err)
	}

	kp, _ := keys.Generate()
	if err := kc.Set(kp.SecretHex()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	sig, err := kc.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	pub, err := sig.PublicKey(ctx)
	if err != nil || pub != kp.PublicKey() {
		t.Errorf("PublicKey = %s, %v", pub, err)
	}

	ev := protocol.NewEvent(1, "from keychain", nil)
	if err := sig.SignEvent(ctx, ev); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if ev.PubKey != kp.PublicKey() {
		t.Errorf("signed by %s", ev.PubKey)
	}

	// The signer reads the keychain on every use.
	if err := kc.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := sig.SignEvent(ctx, protocol.NewEvent(1, "x", nil)); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SignEvent after delete = %v, want ErrUnavailable", err)
	}
	if err := kc.Delete(); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}
