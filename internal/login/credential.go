// Package login turns a stored credential into the active signer and owns
// the login lifecycle: restore on startup, explicit login, interactive
// pairing and logout.
package login

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nostrlink/internal/bunker"
	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
)

// Method names a credential variant. The values are persisted.
type Method string

const (
	MethodNone      Method = "none"
	MethodExtension Method = "extension"
	MethodSecretKey Method = "nsec"
	MethodBunker    Method = "bunker"
	MethodPaired    Method = "nostrconnect"
)

// Credential is one of None, Extension, SecretKey, BunkerAddress or
// PairedSession.
type Credential interface {
	Method() Method
	// Validate reports whether the credential may be persisted and activated.
	Validate() error
	fingerprint() string
}

// None means logged out.
type None struct{}

// Extension delegates to the external signer; nothing secret is stored.
type Extension struct{}

// SecretKey holds the user's own key (nsec or hex).
type SecretKey struct {
	Key string
}

// BunkerAddress is a known remote signer reached through a bunker:// URI.
type BunkerAddress struct {
	URI          string
	RemotePubkey string
	Relays       []string
	Secret       string
}

// PairedSession is the outcome of a nostrconnect pairing. LocalSecretKey
// and RemotePubkey are always set together.
type PairedSession struct {
	Relay          string
	LocalSecretKey string // hex
	RemotePubkey   string // hex
	Perms          string // comma-joined
}

func (None) Method() Method          { return MethodNone }
func (Extension) Method() Method     { return MethodExtension }
func (SecretKey) Method() Method     { return MethodSecretKey }
func (BunkerAddress) Method() Method { return MethodBunker }
func (PairedSession) Method() Method { return MethodPaired }

func (None) Validate() error      { return nil }
func (Extension) Validate() error { return nil }

func (c SecretKey) Validate() error {
	if _, err := keys.ParseSecret(c.Key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return nil
}

func (c BunkerAddress) Validate() error {
	if !keys.ValidPublicKeyHex(c.RemotePubkey) {
		return fmt.Errorf("bunker: invalid remote pubkey %q", c.RemotePubkey)
	}
	return nil
}

func (c PairedSession) Validate() error {
	switch {
	case c.LocalSecretKey == "" && c.RemotePubkey == "":
		return fmt.Errorf("paired session: missing key material")
	case c.RemotePubkey == "":
		return fmt.Errorf("paired session: missing remote identity")
	case c.LocalSecretKey == "":
		return fmt.Errorf("paired session: missing local key")
	}
	if _, err := keys.ParseSecret(c.LocalSecretKey); err != nil {
		return fmt.Errorf("%w: paired session local key: %v", ErrInvalidKeyFormat, err)
	}
	if !keys.ValidPublicKeyHex(c.RemotePubkey) {
		return fmt.Errorf("paired session: invalid remote pubkey %q", c.RemotePubkey)
	}
	if _, err := config.NormalizeRelayURL(c.Relay); err != nil {
		return fmt.Errorf("paired session: %w", err)
	}
	return nil
}

func (None) fingerprint() string      { return string(MethodNone) }
func (Extension) fingerprint() string { return string(MethodExtension) }

func (c SecretKey) fingerprint() string {
	return digest(MethodSecretKey, strings.TrimSpace(c.Key))
}

func (c BunkerAddress) fingerprint() string {
	return digest(MethodBunker, c.RemotePubkey, c.Secret, strings.Join(c.Relays, ","))
}

func (c PairedSession) fingerprint() string {
	return digest(MethodPaired, c.Relay, c.LocalSecretKey, c.RemotePubkey, c.Perms)
}

// digest keeps secrets out of in-flight activation keys and logs.
func digest(m Method, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(m))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return string(m) + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// BunkerFromURI parses a bunker:// URI into a credential.
func BunkerFromURI(uri string) (BunkerAddress, error) {
	addr, err := bunker.ParseURI(uri)
	if err != nil {
		return BunkerAddress{}, err
	}
	return BunkerAddress{
		URI:          strings.TrimSpace(uri),
		RemotePubkey: addr.RemotePubKey,
		Relays:       addr.Relays,
		Secret:       addr.Secret,
	}, nil
}

// Address converts c to the form the bunker client dials.
func (c BunkerAddress) Address() bunker.Address {
	return bunker.Address{RemotePubKey: c.RemotePubkey, Relays: c.Relays, Secret: c.Secret}
}
