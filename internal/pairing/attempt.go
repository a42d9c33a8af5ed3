package pairing

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nostrlink/internal/clock"
	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Status is the lifecycle state of an Attempt.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusConnected
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusConnected || s == StatusError || s == StatusCancelled
}

// Session is the outcome of a successful attempt: the ephemeral key, the
// remote signer that answered, and what it was asked to allow.
type Session struct {
	Relay        string
	LocalKey     *keys.KeyPair
	RemotePubKey string
	Perms        string // comma-joined
}

// Attempt is one pairing handshake. It reaches exactly one terminal state,
// after which its subscription is closed. Attempts are never reused.
type Attempt struct {
	key    *keys.KeyPair
	secret string
	relay  string
	perms  string
	uri    string
	span   trace.Span

	// handleMu serializes HandleEvent; convs is only touched under it.
	handleMu sync.Mutex
	convs    map[string][]byte

	mu       sync.Mutex
	status   Status
	err      error
	remote   string
	deadline time.Time
	stream   relay.Stream
	timer    *clock.Timer
	done     chan struct{}
}

// URI returns the nostrconnect invitation.
func (a *Attempt) URI() string { return a.uri }

// PublicKey returns the attempt's ephemeral public key (hex).
func (a *Attempt) PublicKey() string { return a.key.PublicKey() }

// Relay returns the relay the attempt listens on.
func (a *Attempt) Relay() string { return a.relay }

// Deadline returns when the attempt times out.
func (a *Attempt) Deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline
}

// Status returns the current state.
func (a *Attempt) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Err returns why the attempt failed, or nil.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed when the attempt reaches a terminal state.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Session returns the paired session once the attempt is Connected.
func (a *Attempt) Session() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusConnected {
		return Session{}, false
	}
	return Session{
		Relay:        a.relay,
		LocalKey:     a.key,
		RemotePubKey: a.remote,
		Perms:        a.perms,
	}, true
}

// Wait blocks until the attempt ends. If ctx ends first the attempt is
// cancelled. The error is ErrTimeout, ErrCancelled or a transport error.
func (a *Attempt) Wait(ctx context.Context) (Session, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		a.Cancel()
		<-a.done
	}
	if s, ok := a.Session(); ok {
		return s, nil
	}
	return Session{}, a.Err()
}

// Cancel stops a waiting attempt. Calling it again, or after the attempt
// has ended, does nothing.
func (a *Attempt) Cancel() {
	if a.finish(StatusCancelled, ErrCancelled, "") {
		slog.Info("pairing cancelled", "client", a.PublicKey())
	}
}

// HandleEvent processes one candidate response and returns the resulting
// status. Events that cannot be decrypted, do not parse, or carry the wrong
// secret leave a waiting attempt waiting.
func (a *Attempt) HandleEvent(ev *protocol.Event) Status {
	a.handleMu.Lock()
	defer a.handleMu.Unlock()

	if st := a.Status(); st != StatusWaiting {
		return st
	}

	if err := a.match(ev); err != nil {
		slog.Debug("pairing: ignoring candidate", "from", ev.PubKey, "event", ev.ID, "reason", err)
		return a.Status()
	}

	if a.finish(StatusConnected, nil, ev.PubKey) {
		slog.Info("pairing connected", "client", a.PublicKey(), "remote", ev.PubKey)
	}
	return a.Status()
}

// match decrypts ev and checks that it echoes the attempt's secret.
func (a *Attempt) match(ev *protocol.Event) error {
	if ev.Kind != protocol.KindNostrConnect {
		return fmt.Errorf("unexpected kind %d", ev.Kind)
	}

	conv, ok := a.convs[ev.PubKey]
	if !ok {
		var err error
		conv, err = crypto.ConversationKey(a.key, ev.PubKey)
		if err != nil {
			return fmt.Errorf("%w: %v", errDecrypt, err)
		}
		a.convs[ev.PubKey] = conv
	}

	plaintext, err := crypto.Decrypt(conv, ev.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecrypt, err)
	}
	resp, ok := protocol.ParseResponse(plaintext)
	if !ok {
		return fmt.Errorf("%w: not a response object", errSecretMismatch)
	}
	if subtle.ConstantTimeCompare([]byte(resp.Result), []byte(a.secret)) != 1 {
		return errSecretMismatch
	}
	return nil
}

// consume feeds subscription events to HandleEvent in delivery order until
// the attempt ends. A stream that closes under a waiting attempt fails it.
func (a *Attempt) consume() {
	events := a.stream.Events()
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-events:
			if !ok {
				if a.finish(StatusError, fmt.Errorf("%w: subscription to %s ended", ErrTransportUnavailable, a.relay), "") {
					slog.Warn("pairing subscription lost", "relay", a.relay)
				}
				return
			}
			if a.HandleEvent(ev).Terminal() {
				return
			}
		}
	}
}

func (a *Attempt) expire() {
	if a.finish(StatusError, ErrTimeout, "") {
		slog.Info("pairing timed out", "client", a.PublicKey(), "relay", a.relay)
	}
}

// finish moves a waiting attempt to a terminal state and releases its
// subscription and timer. It reports whether this call made the transition.
func (a *Attempt) finish(status Status, err error, remote string) bool {
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return false
	}
	a.status = status
	a.err = err
	a.remote = remote
	stream, timer := a.stream, a.timer
	a.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stream != nil {
		stream.Close()
	}
	close(a.done)
	a.endSpan()
	return true
}

func (a *Attempt) endSpan() {
	if a.span == nil {
		return
	}
	a.span.SetAttributes(attribute.String("pairing.status", a.status.String()))
	if a.remote != "" {
		a.span.SetAttributes(attribute.String("pairing.remote_pubkey", a.remote))
	}
	if a.err != nil {
		a.span.SetStatus(codes.Error, a.err.Error())
	}
	a.span.End()
}
