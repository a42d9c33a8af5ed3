package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nostrlink/internal/pairing"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
	"github.com/nextlevelbuilder/nostrlink/internal/store"
)

// Pairer starts nostrconnect pairing attempts. *pairing.Engine implements it.
type Pairer interface {
	Begin(ctx context.Context, relayURL string, perms []string) (*pairing.Attempt, error)
}

// Supervisor is the single writer of the stored login record. It runs at
// most one pairing attempt and one login at a time.
type Supervisor struct {
	store    store.Store
	ns       string
	codec    *Codec
	resolver *Resolver
	pairer   Pairer
	onLogout []func(context.Context) error

	// loginMu serializes Restore, Login and the store half of Logout.
	loginMu sync.Mutex

	credMu sync.RWMutex
	cred   Credential

	pairMu  sync.Mutex
	attempt *pairing.Attempt
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogoutHook registers f to run on logout, after the stored state is
// wiped. Errors are logged.
func WithLogoutHook(f func(context.Context) error) SupervisorOption {
	return func(s *Supervisor) { s.onLogout = append(s.onLogout, f) }
}

// NewSupervisor wires the login lifecycle. ns namespaces every store key.
func NewSupervisor(st store.Store, ns string, codec *Codec, r *Resolver, p Pairer, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		store:    st,
		ns:       ns,
		codec:    codec,
		resolver: r,
		pairer:   p,
		cred:     None{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the resolver holding the active signer.
func (s *Supervisor) Resolver() *Resolver { return s.resolver }

// Credential returns the credential currently logged in, or None.
func (s *Supervisor) Credential() Credential {
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	return s.cred
}

func (s *Supervisor) setCredential(c Credential) {
	s.credMu.Lock()
	s.cred = c
	s.credMu.Unlock()
}

// Restore loads the stored credential and activates it. A record that
// cannot be decoded, or whose activation fails, is wiped so the next start
// begins logged out. The activation error is returned; decode errors are not.
func (s *Supervisor) Restore(ctx context.Context) (Credential, error) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	raw, err := s.store.Get(ctx, store.LoginKey(s.ns))
	if errors.Is(err, store.ErrNotFound) {
		return None{}, nil
	}
	if err != nil {
		return None{}, fmt.Errorf("load credential: %w", err)
	}

	cred, err := s.codec.Decode(raw)
	if err != nil {
		slog.Warn("login: discarding stored credential", "error", err)
		s.wipeLocked(ctx)
		return None{}, nil
	}
	if _, ok := cred.(None); ok {
		if s.codec.IsLegacy(raw) {
			// A logged-out legacy record carries nothing worth keeping.
			if err := s.store.Delete(ctx, store.LoginKey(s.ns)); err != nil {
				slog.Warn("login: drop legacy record", "error", err)
			}
		}
		return None{}, nil
	}

	if _, err := s.resolver.Activate(ctx, cred); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrSuperseded) {
			return None{}, err
		}
		slog.Warn("login: stored credential failed to activate, clearing", "method", cred.Method(), "error", err)
		s.wipeLocked(ctx)
		return None{}, err
	}
	if s.codec.IsLegacy(raw) {
		s.upgradeLocked(ctx, cred)
	}
	s.setCredential(cred)
	return cred, nil
}

// upgradeLocked rewrites an activated legacy record in the current shape.
// Failure is logged; the legacy record still decodes on the next start.
func (s *Supervisor) upgradeLocked(ctx context.Context, cred Credential) {
	raw, err := s.codec.Encode(cred)
	if err == nil {
		err = s.store.Put(ctx, store.LoginKey(s.ns), raw)
	}
	if err != nil {
		slog.Warn("login: upgrade legacy record", "method", cred.Method(), "error", err)
		return
	}
	slog.Info("login: upgraded legacy record", "method", cred.Method())
}

// Login persists cred as the only login and activates it. A failed login
// leaves the previous login in place, both in memory and in the store.
func (s *Supervisor) Login(ctx context.Context, cred Credential) (signer.Signer, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.codec.Encode(cred)
	if err != nil {
		return nil, err
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	key := store.LoginKey(s.ns)
	prev, err := s.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	// The record is written first so a store failure changes nothing.
	if err := s.store.Put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	sig, err := s.resolver.Activate(ctx, cred)
	if err != nil {
		s.rollbackLocked(ctx, prev)
		return nil, err
	}
	s.setCredential(cred)
	s.recordUser(ctx, sig)
	return sig, nil
}

// rollbackLocked puts back the login record that was stored before a failed
// Login. It runs even when ctx has ended.
func (s *Supervisor) rollbackLocked(ctx context.Context, prev []byte) {
	ctx = context.WithoutCancel(ctx)
	key := store.LoginKey(s.ns)
	var err error
	if prev == nil {
		err = s.store.Delete(ctx, key)
	} else {
		err = s.store.Put(ctx, key, prev)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("login: restore previous login record", "error", err)
	}
}

// recordUser stores the logged-in pubkey. When it differs from the previous
// user, state cached for that user is dropped first.
func (s *Supervisor) recordUser(ctx context.Context, sig signer.Signer) {
	pub, err := sig.PublicKey(ctx)
	if err != nil {
		slog.Warn("login: could not read public key", "error", err)
		return
	}
	prev, err := s.store.Get(ctx, store.UserKey(s.ns))
	if err == nil && string(prev) != pub {
		slog.Info("login: identity changed, clearing cached state", "previous", string(prev), "current", pub)
		s.wipeDerived(ctx)
	}
	if err := s.store.Put(ctx, store.UserKey(s.ns), []byte(pub)); err != nil {
		slog.Warn("login: could not store user", "error", err)
	}
}

// StartPairing begins a nostrconnect attempt. Only one attempt may be
// waiting at a time.
func (s *Supervisor) StartPairing(ctx context.Context, relayURL string, perms []string) (*pairing.Attempt, error) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	if s.attempt != nil && !s.attempt.Status().Terminal() {
		return nil, ErrPairingInProgress
	}
	a, err := s.pairer.Begin(ctx, relayURL, perms)
	if err != nil {
		return nil, err
	}
	s.attempt = a
	return a, nil
}

// FinishPairing waits for the current attempt and logs in with the paired
// session. If ctx ends first the attempt is cancelled.
func (s *Supervisor) FinishPairing(ctx context.Context) (signer.Signer, error) {
	s.pairMu.Lock()
	a := s.attempt
	s.pairMu.Unlock()
	if a == nil {
		return nil, ErrNoPairing
	}

	sess, err := a.Wait(ctx)

	s.pairMu.Lock()
	if s.attempt == a {
		s.attempt = nil
	}
	s.pairMu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.Login(ctx, PairedSession{
		Relay:          sess.Relay,
		LocalSecretKey: sess.LocalKey.SecretHex(),
		RemotePubkey:   sess.RemotePubKey,
		Perms:          sess.Perms,
	})
}

// CancelPairing cancels the waiting attempt, if any. A pending
// FinishPairing returns pairing.ErrCancelled.
func (s *Supervisor) CancelPairing() {
	s.pairMu.Lock()
	a := s.attempt
	s.pairMu.Unlock()
	if a != nil {
		a.Cancel()
	}
}

// Logout drops the active signer, deletes the stored login and everything
// cached for the identity. It never fails; store errors are logged.
func (s *Supervisor) Logout(ctx context.Context) {
	s.CancelPairing()
	// Before taking loginMu so an activation in flight is discarded.
	s.resolver.Logout()

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	s.resolver.Logout()
	s.wipeLocked(ctx)
	for _, hook := range s.onLogout {
		if err := hook(ctx); err != nil {
			slog.Warn("login: logout hook failed", "error", err)
		}
	}
	slog.Info("login: logged out")
}

// wipeLocked deletes the login record and derived state. Must hold loginMu.
func (s *Supervisor) wipeLocked(ctx context.Context) {
	s.setCredential(None{})
	if err := s.store.Delete(ctx, store.LoginKey(s.ns)); err != nil {
		slog.Warn("login: delete login record", "error", err)
	}
	if err := s.store.Delete(ctx, store.UserKey(s.ns)); err != nil {
		slog.Warn("login: delete user record", "error", err)
	}
	s.wipeDerived(ctx)
}

func (s *Supervisor) wipeDerived(ctx context.Context) {
	if err := s.store.DeletePrefix(ctx, store.ProfilePrefix(s.ns)); err != nil {
		slog.Warn("login: delete cached profiles", "error", err)
	}
	if err := s.store.Delete(ctx, store.SnapshotsKey(s.ns)); err != nil {
		slog.Warn("login: delete snapshots", "error", err)
	}
}
