// Package pairing implements client-initiated nostrconnect pairing: an
// ephemeral key and a one-time secret are published in an invitation, and
// the first remote signer that echoes the secret back, encrypted to the
// ephemeral key, becomes the paired signer.
package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nostrlink/internal/clock"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// DefaultTimeout bounds how long an attempt waits for the remote signer.
const DefaultTimeout = 120 * time.Second

var tracer = otel.Tracer("github.com/nextlevelbuilder/nostrlink/internal/pairing")

// Engine starts pairing attempts over a relay transport.
type Engine struct {
	transport relay.Transport
	clock     clock.Clock
	timeout   time.Duration
	appName   string

	newKey    func() (*keys.KeyPair, error)
	newSecret func() (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for deadlines.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAppName sets the name shown to the user by the remote signer.
func WithAppName(name string) Option {
	return func(e *Engine) { e.appName = name }
}

// NewEngine creates a pairing engine.
func NewEngine(t relay.Transport, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		clock:     clock.Real(),
		timeout:   DefaultTimeout,
		appName:   "nostrlink",
		newKey:    keys.Generate,
		newSecret: NewSecret,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Begin starts a pairing attempt listening on relayURL. The returned attempt
// is Waiting; its URI is ready to show. If the relay cannot be reached Begin
// returns an error wrapping ErrTransportUnavailable and no attempt.
func (e *Engine) Begin(ctx context.Context, relayURL string, perms []string) (*Attempt, error) {
	kp, err := e.newKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	secret, err := e.newSecret()
	if err != nil {
		return nil, err
	}

	a := &Attempt{
		key:    kp,
		secret: secret,
		relay:  relayURL,
		perms:  strings.Join(perms, ","),
		status: StatusIdle,
		done:   make(chan struct{}),
		convs:  make(map[string][]byte),
	}
	a.uri = BuildInvitation(Invitation{
		PublicKey: kp.PublicKey(),
		Relays:    []string{relayURL},
		Secret:    secret,
		Perms:     perms,
		Name:      e.appName,
	})

	_, a.span = tracer.Start(ctx, "pairing.attempt")
	a.span.SetAttributes(
		attribute.String("pairing.relay", relayURL),
		attribute.String("pairing.client_pubkey", kp.PublicKey()),
	)

	stream, err := e.transport.Subscribe(ctx, []string{relayURL}, protocol.Filter{
		Kinds: []int{protocol.KindNostrConnect},
		Tags:  map[string][]string{protocol.TagPubKey: {kp.PublicKey()}},
	})
	if err != nil {
		a.status = StatusError
		a.err = err
		a.endSpan()
		return nil, fmt.Errorf("pairing subscribe %s: %w", relayURL, err)
	}

	a.mu.Lock()
	a.stream = stream
	a.status = StatusWaiting
	a.deadline = e.clock.Now().Add(e.timeout)
	a.timer = e.clock.AfterFunc(e.timeout, a.expire)
	a.mu.Unlock()

	go a.consume()

	slog.Info("pairing started", "relay", relayURL, "client", kp.PublicKey(), "deadline", a.deadline)
	return a, nil
}
