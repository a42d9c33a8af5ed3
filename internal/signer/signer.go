// Package signer defines the active signer capability shared by the rest of
// the application and the simple signers that do not need a network.
package signer

import (
	"context"
	"errors"
	"sync"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Signer signs events on behalf of the logged-in user.
type Signer interface {
	// PublicKey returns the user's public key (hex).
	PublicKey(ctx context.Context) (string, error)
	// SignEvent sets pubkey, id and sig on ev.
	SignEvent(ctx context.Context, ev *protocol.Event) error
	// Close releases any session the signer holds.
	Close() error
}

// ErrNoSigner is returned when nobody is logged in.
var ErrNoSigner = errors.New("no active signer")

// Slot holds the single active signer. The login resolver is the only
// writer; everything else reads.
type Slot struct {
	mu     sync.RWMutex
	signer Signer
	method string
}

// Load returns the active signer and the login method that produced it.
func (s *Slot) Load() (Signer, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signer, s.method, s.signer != nil
}

// Store installs sig as the active signer, closing any previous one.
func (s *Slot) Store(sig Signer, method string) {
	s.mu.Lock()
	prev := s.signer
	s.signer, s.method = sig, method
	s.mu.Unlock()
	if prev != nil && prev != sig {
		prev.Close()
	}
}

// Clear removes and closes the active signer. It is a no-op when empty.
func (s *Slot) Clear() {
	s.mu.Lock()
	prev := s.signer
	s.signer, s.method = nil, ""
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// Local signs with a key held in memory.
type Local struct {
	key *keys.KeyPair
}

// NewLocal wraps kp.
func NewLocal(kp *keys.KeyPair) *Local {
	return &Local{key: kp}
}

func (l *Local) PublicKey(context.Context) (string, error) {
	return l.key.PublicKey(), nil
}

func (l *Local) SignEvent(_ context.Context, ev *protocol.Event) error {
	return l.key.SignEvent(ev)
}

func (l *Local) Close() error { return nil }
