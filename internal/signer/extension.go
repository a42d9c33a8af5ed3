package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// ErrUnavailable means the external signer capability is not present.
var ErrUnavailable = errors.New("external signer unavailable")

// ExtensionProvider is an external signer that lives outside the app and
// owns its key material. Probe reports whether it can be used right now.
type ExtensionProvider interface {
	Probe(ctx context.Context) (Signer, error)
}

// None is a provider that is never available.
type None struct{}

func (None) Probe(context.Context) (Signer, error) { return nil, ErrUnavailable }

// Keychain is an ExtensionProvider backed by the OS keychain. The app never
// stores the key itself; it is read from the keychain on every use.
type Keychain struct {
	Service string
	User    string
}

// Probe checks that the keychain entry exists and holds a valid key.
func (k Keychain) Probe(context.Context) (Signer, error) {
	if _, err := k.load(); err != nil {
		return nil, err
	}
	return &keychainSigner{kc: k}, nil
}

// Set stores secret (nsec or hex) in the keychain after validating it.
func (k Keychain) Set(secret string) error {
	kp, err := keys.ParseSecret(secret)
	if err != nil {
		return err
	}
	if err := keyring.Set(k.Service, k.User, kp.Nsec()); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// Delete removes the keychain entry. A missing entry is not an error.
func (k Keychain) Delete() error {
	if err := keyring.Delete(k.Service, k.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

func (k Keychain) load() (*keys.KeyPair, error) {
	secret, err := keyring.Get(k.Service, k.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: no keychain entry %s/%s", ErrUnavailable, k.Service, k.User)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	kp, err := keys.ParseSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: keychain entry: %v", ErrUnavailable, err)
	}
	return kp, nil
}

type keychainSigner struct {
	kc Keychain
}

func (s *keychainSigner) PublicKey(context.Context) (string, error) {
	kp, err := s.kc.load()
	if err != nil {
		return "", err
	}
	return kp.PublicKey(), nil
}

func (s *keychainSigner) SignEvent(_ context.Context, ev *protocol.Event) error {
	kp, err := s.kc.load()
	if err != nil {
		return err
	}
	return kp.SignEvent(ev)
}

func (s *keychainSigner) Close() error { return nil }
