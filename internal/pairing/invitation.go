package pairing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Invitation is the content of a nostrconnect:// URI shown to the user,
// usually as a QR code, for a remote signer to scan.
type Invitation struct {
	PublicKey string   // ephemeral client key, hex
	Relays    []string // where the client listens for the response
	Secret    string
	Perms     []string // e.g. "sign_event:3", "get_public_key"
	Name      string   // application display name
}

// BuildInvitation renders inv as a nostrconnect URI. The output depends only
// on its input: parameters are emitted in the fixed order relay (repeated),
// secret, perms, name, each value query-escaped. Empty perms and name are omitted.
func BuildInvitation(inv Invitation) string {
	var b strings.Builder
	b.WriteString(protocol.ConnectScheme)
	b.WriteString("://")
	b.WriteString(inv.PublicKey)

	sep := byte('?')
	param := func(k, v string) {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}

	for _, r := range inv.Relays {
		param("relay", r)
	}
	param("secret", inv.Secret)
	if len(inv.Perms) > 0 {
		param("perms", strings.Join(inv.Perms, ","))
	}
	if inv.Name != "" {
		param("name", inv.Name)
	}
	return b.String()
}

// ParseInvitation decodes a nostrconnect URI.
func ParseInvitation(raw string) (Invitation, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Invitation{}, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}
	if u.Scheme != protocol.ConnectScheme {
		return Invitation{}, fmt.Errorf("%w: scheme %q", ErrInvalidInvitation, u.Scheme)
	}
	if !keys.ValidPublicKeyHex(u.Host) {
		return Invitation{}, fmt.Errorf("%w: bad public key", ErrInvalidInvitation)
	}

	q := u.Query()
	inv := Invitation{
		PublicKey: u.Host,
		Relays:    q["relay"],
		Secret:    q.Get("secret"),
		Name:      q.Get("name"),
	}
	if p := q.Get("perms"); p != "" {
		inv.Perms = strings.Split(p, ",")
	}
	if len(inv.Relays) == 0 {
		return Invitation{}, fmt.Errorf("%w: no relay", ErrInvalidInvitation)
	}
	if inv.Secret == "" {
		return Invitation{}, fmt.Errorf("%w: no secret", ErrInvalidInvitation)
	}
	return inv, nil
}
