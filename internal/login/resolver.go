package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nostrlink/internal/bunker"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
)

// State is the resolver's lifecycle state.
type State int

const (
	StateUnresolved State = iota
	StateResolving
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultActivateTimeout bounds one activation, including a remote signer
// that waits for the user to approve the connection.
const DefaultActivateTimeout = 2 * time.Minute

// RemoteSigners opens NIP-46 sessions for the two remote credential kinds.
type RemoteSigners interface {
	// ConnectBunker performs the connect handshake with a known signer.
	ConnectBunker(ctx context.Context, addr BunkerAddress) (signer.Signer, error)
	// ResumeSession reopens a paired session without a handshake.
	ResumeSession(ctx context.Context, s PairedSession) (signer.Signer, error)
}

// Resolver owns the active signer slot. Activations of the same credential
// share one in-flight call; different credentials activate one at a time.
type Resolver struct {
	slot    *signer.Slot
	ext     signer.ExtensionProvider
	remote  RemoteSigners
	timeout time.Duration

	// activateMu serializes activations of distinct credentials.
	activateMu sync.Mutex

	mu       sync.Mutex
	state    State
	activeFP string
	lastErr  error
	gen      uint64
	flights  map[string]*flight
}

// flight is one activation shared by every caller that asked for the same
// credential while it ran. It is cancelled only when all of them give up.
type flight struct {
	done    chan struct{}
	sig     signer.Signer
	err     error
	cancel  context.CancelFunc
	waiters int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithActivateTimeout overrides DefaultActivateTimeout.
func WithActivateTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver writing to slot. ext may be signer.None{}.
func NewResolver(slot *signer.Slot, ext signer.ExtensionProvider, remote RemoteSigners, opts ...ResolverOption) *Resolver {
	if ext == nil {
		ext = signer.None{}
	}
	r := &Resolver{
		slot:    slot,
		ext:     ext,
		remote:  remote,
		timeout: DefaultActivateTimeout,
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error of the last failed activation.
func (r *Resolver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Active returns the active signer and its login method.
func (r *Resolver) Active() (signer.Signer, Method, bool) {
	sig, method, ok := r.slot.Load()
	return sig, Method(method), ok
}

// Activate turns cred into the active signer. A call for the credential
// that is already active, or already resolving, returns that result
// instead of opening a second session.
//
// The activation does not run under ctx: a caller whose ctx ends returns
// early, and the work stops only once no caller is left waiting for it.
func (r *Resolver) Activate(ctx context.Context, cred Credential) (signer.Signer, error) {
	if _, ok := cred.(None); ok || cred == nil {
		r.Logout()
		return nil, signer.ErrNoSigner
	}
	fp := cred.fingerprint()
	if sig, ok := r.activeFor(fp); ok {
		return sig, nil
	}

	f := r.join(ctx, cred, fp)
	select {
	case <-f.done:
		r.leave(fp, f)
		if f.err != nil {
			return nil, f.err
		}
		return f.sig, nil
	case <-ctx.Done():
		r.leave(fp, f)
		return nil, ctx.Err()
	}
}

// join returns the flight for fp, starting one if none is running.
func (r *Resolver) join(ctx context.Context, cred Credential, fp string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[fp]
	if ok {
		slog.Debug("login: joined in-flight activation", "method", cred.Method())
	} else {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		f = &flight{done: make(chan struct{}), cancel: cancel}
		r.flights[fp] = f
		go r.run(fctx, f, cred, fp)
	}
	f.waiters++
	return f
}

func (r *Resolver) run(ctx context.Context, f *flight, cred Credential, fp string) {
	defer f.cancel()
	f.sig, f.err = r.activate(ctx, cred, fp)

	r.mu.Lock()
	if r.flights[fp] == f {
		delete(r.flights, fp)
	}
	r.mu.Unlock()
	close(f.done)
}

// leave drops one waiter. The last waiter to leave an unfinished flight
// cancels it, and later callers start a fresh one.
func (r *Resolver) leave(fp string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	f.cancel()
	if r.flights[fp] == f {
		delete(r.flights, fp)
	}
}

func (r *Resolver) activeFor(fp string) (signer.Signer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive || r.activeFP != fp {
		return nil, false
	}
	sig, _, ok := r.slot.Load()
	return sig, ok
}

func (r *Resolver) activate(ctx context.Context, cred Credential, fp string) (signer.Signer, error) {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	if sig, ok := r.activeFor(fp); ok {
		return sig, nil
	}

	r.mu.Lock()
	r.state = StateResolving
	gen := r.gen
	r.mu.Unlock()

	slog.Info("login: activating", "method", cred.Method())
	sig, err := r.dispatch(ctx, cred)
	if err == nil && ctx.Err() != nil {
		// Every caller gave up while the session was opening.
		sig.Close()
		sig, err = nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		if sig != nil {
			sig.Close()
		}
		return nil, ErrSuperseded
	}
	if err != nil {
		// A failed switch keeps the previous signer.
		switch {
		case r.activeFP != "":
			r.state = StateActive
		case errors.Is(err, context.Canceled):
			r.state = StateUnresolved
		default:
			r.state = StateFailed
		}
		if !errors.Is(err, context.Canceled) {
			r.lastErr = err
		}
		slog.Warn("login: activation failed", "method", cred.Method(), "error", err)
		return nil, err
	}
	r.state = StateActive
	r.activeFP = fp
	r.lastErr = nil
	r.slot.Store(sig, string(cred.Method()))
	slog.Info("login: signer active", "method", cred.Method())
	return sig, nil
}

func (r *Resolver) dispatch(ctx context.Context, cred Credential) (signer.Signer, error) {
	switch v := cred.(type) {
	case Extension:
		sig, err := r.ext.Probe(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
		}
		return sig, nil
	case SecretKey:
		kp, err := keys.ParseSecret(v.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		return signer.NewLocal(kp), nil
	case BunkerAddress:
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStoredCredential, err)
		}
		return r.remote.ConnectBunker(ctx, v)
	case PairedSession:
		if err := v.Validate(); err != nil {
			if errors.Is(err, ErrInvalidKeyFormat) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidStoredCredential, err)
		}
		return r.remote.ResumeSession(ctx, v)
	default:
		return nil, fmt.Errorf("%w: unsupported credential %T", ErrInvalidStoredCredential, cred)
	}
}

// Logout clears the active signer. An activation still in flight is
// discarded when it completes. Safe to call when already logged out.
func (r *Resolver) Logout() {
	r.mu.Lock()
	r.gen++
	r.state = StateUnresolved
	r.activeFP = ""
	r.lastErr = nil
	r.mu.Unlock()
	r.slot.Clear()
}

// BunkerSigners adapts a bunker.Dialer to RemoteSigners.
type BunkerSigners struct {
	Dialer *bunker.Dialer
	// Perms is requested on connect.
	Perms []string
}

func (b BunkerSigners) ConnectBunker(ctx context.Context, addr BunkerAddress) (signer.Signer, error) {
	s, err := b.Dialer.Connect(ctx, addr.Address(), b.Perms)
	if err != nil {
		return nil, remoteError(err)
	}
	return s, nil
}

func (b BunkerSigners) ResumeSession(ctx context.Context, ps PairedSession) (signer.Signer, error) {
	kp, err := keys.ParseSecret(ps.LocalSecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	s, err := b.Dialer.Resume(ctx, kp, ps.RemotePubkey, []string{ps.Relay})
	if err != nil {
		return nil, remoteError(err)
	}
	return s, nil
}

func remoteError(err error) error {
	switch {
	case errors.Is(err, bunker.ErrRejected):
		return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	case errors.Is(err, bunker.ErrUnreachable), errors.Is(err, bunker.ErrClosed):
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	default:
		return err
	}
}
