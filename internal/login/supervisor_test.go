package login

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/pairing"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/internal/store/file"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

const testNS = "nostrlink"

type chanStream struct {
	ch chan *protocol.Event
}

func (s *chanStream) Events() <-chan *protocol.Event { return s.ch }
func (s *chanStream) Close()                         {}

type stubTransport struct {
	mu      sync.Mutex
	streams []*chanStream
}

func (t *stubTransport) Subscribe(context.Context, []string, ...protocol.Filter) (relay.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &chanStream{ch: make(chan *protocol.Event, 4)}
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *stubTransport) Publish(context.Context, []string, *protocol.Event) error { return nil }

type harness struct {
	store    store.Store
	path     string
	remote   *fakeRemote
	slot     *signer.Slot
	resolver *Resolver
	sup      *Supervisor
	hooks    int
}

func newHarness(t *testing.T, path string, remote *fakeRemote) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "store.json")
	}
	st, err := file.Open(path)
	if err != nil {
		t.Fatalf("file.Open: %v", err)
	}
	if remote == nil {
		remote = &fakeRemote{}
	}
	h := &harness{store: st, path: path, remote: remote, slot: &signer.Slot{}}
	h.resolver = NewResolver(h.slot, signer.None{}, remote)
	engine := pairing.NewEngine(&stubTransport{}, pairing.WithTimeout(5*time.Second))
	h.sup = NewSupervisor(st, testNS, NewCodec(nil), h.resolver, engine,
		WithLogoutHook(func(context.Context) error { h.hooks++; return nil }))
	return h
}

// restart simulates a new process over the same store file.
func (h *harness) restart(t *testing.T) *harness {
	t.Helper()
	return newHarness(t, h.path, &fakeRemote{})
}

func (h *harness) stored(t *testing.T, key string) bool {
	t.Helper()
	_, err := h.store.Get(context.Background(), key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return err == nil
}

var testSession = PairedSession{
	Relay:          testRelay,
	LocalSecretKey: testSecHex,
	RemotePubkey:   testPubHex,
	Perms:          "sign_event:3,get_public_key",
}

func TestSupervisor_LoginPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)

	if _, err := h.sup.Login(ctx, SecretKey{Key: testNsec}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !h.stored(t, store.LoginKey(testNS)) {
		t.Fatal("login record not stored")
	}
	user, _ := h.store.Get(ctx, store.UserKey(testNS))
	if string(user) != testPubHex {
		t.Errorf("user record = %q", user)
	}

	next := h.restart(t)
	cred, err := next.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cred.Method() != MethodSecretKey || next.resolver.State() != StateActive {
		t.Errorf("restored %s, state %s", cred.Method(), next.resolver.State())
	}
	if next.sup.Credential().Method() != MethodSecretKey {
		t.Errorf("Credential() = %s", next.sup.Credential().Method())
	}
}

func TestSupervisor_RestoreEmpty(t *testing.T) {
	h := newHarness(t, "", nil)
	cred, err := h.sup.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cred.Method() != MethodNone || h.resolver.State() != StateUnresolved {
		t.Errorf("restored %s, state %s", cred.Method(), h.resolver.State())
	}
}

func TestSupervisor_PairedSessionLogoutReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)

	if _, err := h.sup.Login(ctx, testSession); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, resumes := h.remote.counts(); resumes != 1 {
		t.Errorf("resumes = %d, want 1", resumes)
	}

	h.sup.Logout(ctx)
	if h.resolver.State() != StateUnresolved {
		t.Errorf("state after logout = %s", h.resolver.State())
	}

	next := h.restart(t)
	cred, err := next.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cred.Method() != MethodNone {
		t.Errorf("restored %s after logout", cred.Method())
	}
	if next.resolver.State() != StateUnresolved {
		t.Errorf("state = %s, want unresolved", next.resolver.State())
	}
	if next.stored(t, store.LoginKey(testNS)) {
		t.Error("login record survived logout")
	}
}

func TestSupervisor_RestoreResumesWithoutHandshake(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	if _, err := h.sup.Login(ctx, testSession); err != nil {
		t.Fatalf("Login: %v", err)
	}

	remote := &fakeRemote{}
	next := newHarness(t, h.path, remote)
	if _, err := next.sup.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if connects, resumes := remote.counts(); connects != 0 || resumes != 1 {
		t.Errorf("connects = %d resumes = %d, want 0/1", connects, resumes)
	}
}

func TestSupervisor_RestoreClearsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	h.store.Put(ctx, store.LoginKey(testNS), []byte(`{"version":7}`))
	h.store.Put(ctx, store.ProfileKey(testNS, testPubHex), []byte(`{}`))

	cred, err := h.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore error = %v, want nil for corrupt record", err)
	}
	if cred.Method() != MethodNone {
		t.Errorf("restored %s", cred.Method())
	}
	if h.stored(t, store.LoginKey(testNS)) || h.stored(t, store.ProfileKey(testNS, testPubHex)) {
		t.Error("corrupt record or derived state left in store")
	}
}

func TestSupervisor_RestoreClearsFailingCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	if _, err := h.sup.Login(ctx, testBunker); err != nil {
		t.Fatalf("Login: %v", err)
	}

	next := newHarness(t, h.path, &fakeRemote{err: ErrRemoteRejected})
	cred, err := next.sup.Restore(ctx)
	if !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("Restore error = %v, want ErrRemoteRejected", err)
	}
	if cred.Method() != MethodNone || next.resolver.State() != StateFailed {
		t.Errorf("restored %s, state %s", cred.Method(), next.resolver.State())
	}
	if next.stored(t, store.LoginKey(testNS)) {
		t.Error("failing credential left in store")
	}

	again := newHarness(t, h.path, &fakeRemote{})
	if cred, _ := again.sup.Restore(ctx); cred.Method() != MethodNone {
		t.Errorf("third start restored %s", cred.Method())
	}
}

func TestSupervisor_FailedLoginPersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", &fakeRemote{err: ErrRemoteUnreachable})
	if _, err := h.sup.Login(ctx, testBunker); !errors.Is(err, ErrRemoteUnreachable) {
		t.Fatalf("Login error = %v", err)
	}
	if h.stored(t, store.LoginKey(testNS)) {
		t.Error("failed login was persisted")
	}
	if _, err := h.sup.Login(ctx, PairedSession{Relay: testRelay, LocalSecretKey: testSecHex}); err == nil {
		t.Error("session without remote identity should be refused")
	}
	if h.stored(t, store.LoginKey(testNS)) {
		t.Error("invalid session was persisted")
	}
}

func TestSupervisor_LogoutWipesDerivedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	if _, err := h.sup.Login(ctx, SecretKey{Key: testNsec}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.store.Put(ctx, store.ProfileKey(testNS, testPubHex), []byte(`{}`))
	h.store.Put(ctx, store.SnapshotsKey(testNS), []byte(`[]`))

	h.sup.Logout(ctx)
	h.sup.Logout(ctx)

	for _, key := range []string{
		store.LoginKey(testNS),
		store.UserKey(testNS),
		store.ProfileKey(testNS, testPubHex),
		store.SnapshotsKey(testNS),
	} {
		if h.stored(t, key) {
			t.Errorf("%s survived logout", key)
		}
	}
	if h.hooks != 2 {
		t.Errorf("logout hooks ran %d times, want 2", h.hooks)
	}
	if _, _, ok := h.slot.Load(); ok {
		t.Error("signer still active after logout")
	}
}

func TestSupervisor_IdentityChangeDropsCachedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	if _, err := h.sup.Login(ctx, SecretKey{Key: testNsec}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.store.Put(ctx, store.SnapshotsKey(testNS), []byte(`[]`))

	other, _ := keys.Generate()
	if _, err := h.sup.Login(ctx, SecretKey{Key: other.Nsec()}); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if h.stored(t, store.SnapshotsKey(testNS)) {
		t.Error("snapshots of the previous identity survived")
	}
	user, _ := h.store.Get(ctx, store.UserKey(testNS))
	if string(user) != other.PublicKey() {
		t.Errorf("user = %s, want %s", user, other.PublicKey())
	}
}

// answer makes remote reply to attempt a with the invitation's secret.
func answer(t *testing.T, a *pairing.Attempt, remote *keys.KeyPair) {
	t.Helper()
	inv, err := pairing.ParseInvitation(a.URI())
	if err != nil {
		t.Fatalf("ParseInvitation: %v", err)
	}
	conv, err := crypto.ConversationKey(remote, a.PublicKey())
	if err != nil {
		t.Fatalf("ConversationKey: %v", err)
	}
	body, _ := json.Marshal(protocol.Response{ID: "1", Result: inv.Secret})
	content, err := crypto.Encrypt(conv, string(body))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ev := protocol.NewEvent(protocol.KindNostrConnect, content, protocol.Tags{{protocol.TagPubKey, a.PublicKey()}})
	if err := remote.SignEvent(ev); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if st := a.HandleEvent(ev); st != pairing.StatusConnected {
		t.Fatalf("HandleEvent = %s, want connected", st)
	}
}

func TestSupervisor_PairingFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)

	a, err := h.sup.StartPairing(ctx, testRelay, []string{"sign_event:3", "get_public_key"})
	if err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	if _, err := h.sup.StartPairing(ctx, testRelay, nil); !errors.Is(err, ErrPairingInProgress) {
		t.Errorf("second StartPairing error = %v, want ErrPairingInProgress", err)
	}

	remoteKey, _ := keys.Generate()
	answer(t, a, remoteKey)

	if _, err := h.sup.FinishPairing(ctx); err != nil {
		t.Fatalf("FinishPairing: %v", err)
	}
	cred, ok := h.sup.Credential().(PairedSession)
	if !ok {
		t.Fatalf("Credential() = %#v", h.sup.Credential())
	}
	if cred.RemotePubkey != remoteKey.PublicKey() || cred.Relay != testRelay || cred.Perms != "sign_event:3,get_public_key" {
		t.Errorf("session = %+v", cred)
	}
	if cred.LocalSecretKey == "" {
		t.Error("local key missing from session")
	}

	raw, err := h.store.Get(ctx, store.LoginKey(testNS))
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	stored, err := NewCodec(nil).Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if stored.fingerprint() != cred.fingerprint() {
		t.Errorf("stored %#v, want %#v", stored, cred)
	}

	// A finished attempt frees the slot for a new one.
	next, err := h.sup.StartPairing(ctx, testRelay, nil)
	if err != nil {
		t.Fatalf("StartPairing after finish: %v", err)
	}
	if next.PublicKey() == a.PublicKey() {
		t.Error("new attempt reused the ephemeral key")
	}
	h.sup.CancelPairing()
}

func TestSupervisor_CancelPairing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	a, err := h.sup.StartPairing(ctx, testRelay, nil)
	if err != nil {
		t.Fatalf("StartPairing: %v", err)
	}

	h.sup.CancelPairing()
	h.sup.CancelPairing()

	if _, err := h.sup.FinishPairing(ctx); !errors.Is(err, pairing.ErrCancelled) {
		t.Errorf("FinishPairing error = %v, want ErrCancelled", err)
	}
	if a.Status() != pairing.StatusCancelled {
		t.Errorf("attempt status = %s", a.Status())
	}
	if h.stored(t, store.LoginKey(testNS)) {
		t.Error("cancelled pairing persisted a login")
	}
	if _, err := h.sup.StartPairing(ctx, testRelay, nil); err != nil {
		t.Errorf("StartPairing after cancel: %v", err)
	}
	h.sup.CancelPairing()
}

func TestSupervisor_FinishWithoutPairing(t *testing.T) {
	h := newHarness(t, "", nil)
	if _, err := h.sup.FinishPairing(context.Background()); !errors.Is(err, ErrNoPairing) {
		t.Errorf("FinishPairing error = %v, want ErrNoPairing", err)
	}
}

// flakyStore fails Put while failPuts is set.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failPuts bool
}

func (s *flakyStore) setFailPuts(v bool) {
	s.mu.Lock()
	s.failPuts = v
	s.mu.Unlock()
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failPuts
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, value)
}

func TestSupervisor_PersistFailureKeepsPreviousLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	flaky := &flakyStore{Store: h.store}
	sup := NewSupervisor(flaky, testNS, NewCodec(nil), h.resolver,
		pairing.NewEngine(&stubTransport{}, pairing.WithTimeout(5*time.Second)))

	first, err := sup.Login(ctx, SecretKey{Key: testNsec})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	other, _ := keys.Generate()

	flaky.setFailPuts(true)
	if _, err := sup.Login(ctx, SecretKey{Key: other.SecretHex()}); err == nil {
		t.Fatal("Login succeeded although the record could not be written")
	}
	flaky.setFailPuts(false)

	if m := sup.Credential().Method(); m != MethodSecretKey {
		t.Errorf("credential method = %s, want %s", m, MethodSecretKey)
	}
	if sk := sup.Credential().(SecretKey); sk.Key != testNsec {
		t.Error("credential in memory changed after a failed login")
	}
	if sig, _, ok := h.slot.Load(); !ok || sig != first {
		t.Error("active signer changed after a failed login")
	}

	cred, err := h.restart(t).sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if sk, ok := cred.(SecretKey); !ok || sk.Key != testNsec {
		t.Errorf("restored %#v, want the first login", cred)
	}
}

func TestSupervisor_FailedSwitchRestoresPreviousRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", &fakeRemote{err: ErrRemoteRejected})
	if _, err := h.sup.Login(ctx, SecretKey{Key: testNsec}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := h.sup.Login(ctx, testBunker); !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("Login(bunker) error = %v, want ErrRemoteRejected", err)
	}

	cred, err := h.restart(t).sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cred.Method() != MethodSecretKey {
		t.Errorf("restored %s, want the previous nsec login", cred.Method())
	}
}

func TestSupervisor_RestoreUpgradesLegacyRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	legacy := `{"method":"nsec","loggedIn":true,"data":{"nsec":"` + testNsec + `"}}`
	if err := h.store.Put(ctx, store.LoginKey(testNS), []byte(legacy)); err != nil {
		t.Fatal(err)
	}

	cred, err := h.sup.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if cred.Method() != MethodSecretKey {
		t.Fatalf("restored %s", cred.Method())
	}

	raw, err := h.store.Get(ctx, store.LoginKey(testNS))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if rec.Version != recordVersion || rec.SecretKey != testNsec {
		t.Errorf("stored record = %s, want a v%d nsec record", raw, recordVersion)
	}
}

func TestSupervisor_RestoreDropsLoggedOutLegacyRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "", nil)
	if err := h.store.Put(ctx, store.LoginKey(testNS), []byte(`{"method":"none","loggedIn":false}`)); err != nil {
		t.Fatal(err)
	}
	if cred, err := h.sup.Restore(ctx); err != nil || cred.Method() != MethodNone {
		t.Fatalf("Restore = %v, %v", cred, err)
	}
	if h.stored(t, store.LoginKey(testNS)) {
		t.Error("logged-out legacy record kept")
	}
}
