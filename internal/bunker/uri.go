package bunker

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Address locates a remote signer: its public key, the relays it listens
// on, and an optional connect secret.
type Address struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseURI decodes "bunker://<remote-pubkey>?relay=...&relay=...&secret=...".
// The remote key may be hex or npub.
func ParseURI(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, protocol.BunkerScheme+"://") {
		return Address{}, fmt.Errorf("%w: must start with %s://", ErrInvalidURI, protocol.BunkerScheme)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	pub, err := keys.NormalizePublicKey(u.Host)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	q := u.Query()
	addr := Address{
		RemotePubKey: pub,
		Relays:       q["relay"],
		Secret:       q.Get("secret"),
	}
	return addr, nil
}

// String renders the address as a bunker URI.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(protocol.BunkerScheme)
	b.WriteString("://")
	b.WriteString(a.RemotePubKey)
	sep := byte('?')
	for _, r := range a.Relays {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString("relay=")
		b.WriteString(url.QueryEscape(r))
	}
	if a.Secret != "" {
		b.WriteByte(sep)
		b.WriteString("secret=")
		b.WriteString(url.QueryEscape(a.Secret))
	}
	return b.String()
}
