// Package bunker is a NIP-46 remote signer client. A Dialer opens sessions
// either by connecting to a bunker:// address or by resuming a session whose
// client key and remote signer are already known.
package bunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// DefaultRequestTimeout bounds each remote signer request.
const DefaultRequestTimeout = 30 * time.Second

// Dialer opens remote signer sessions over a relay transport.
type Dialer struct {
	transport     relay.Transport
	timeout       time.Duration
	defaultRelays []string
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.timeout = d
		}
	}
}

// WithDefaultRelays sets the relays used when an address lists none.
func WithDefaultRelays(relays []string) Option {
	return func(dl *Dialer) { dl.defaultRelays = relays }
}

// NewDialer creates a Dialer.
func NewDialer(t relay.Transport, opts ...Option) *Dialer {
	d := &Dialer{transport: t, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect performs the NIP-46 connect handshake with the signer at addr
// using a fresh client key. The signer must answer "ack" or echo the secret.
func (d *Dialer) Connect(ctx context.Context, addr Address, perms []string) (*Signer, error) {
	relays := addr.Relays
	if len(relays) == 0 {
		relays = d.defaultRelays
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays for %s", ErrUnreachable, addr.RemotePubKey)
	}

	key, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	s, err := open(ctx, d.transport, key, addr.RemotePubKey, relays, d.timeout)
	if err != nil {
		return nil, err
	}

	res, err := s.call(ctx, protocol.MethodConnect, addr.RemotePubKey, addr.Secret, strings.Join(perms, ","))
	if err != nil {
		s.Close()
		return nil, err
	}
	if res != protocol.ResultAck && (addr.Secret == "" || res != addr.Secret) {
		s.Close()
		return nil, fmt.Errorf("%w: unexpected connect result %q", ErrRejected, res)
	}

	slog.Info("bunker connected", "remote", addr.RemotePubKey, "relays", len(relays))
	return s, nil
}

// Resume reopens a session with an already-paired remote signer. No
// handshake is repeated; the first request proves the session still works.
func (d *Dialer) Resume(ctx context.Context, key *keys.KeyPair, remote string, relays []string) (*Signer, error) {
	if key == nil {
		return nil, errors.New("bunker resume: missing client key")
	}
	if len(relays) == 0 {
		relays = d.defaultRelays
	}
	s, err := open(ctx, d.transport, key, remote, relays, d.timeout)
	if err != nil {
		return nil, err
	}
	slog.Info("bunker session resumed", "remote", remote, "client", key.PublicKey())
	return s, nil
}
