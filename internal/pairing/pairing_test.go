package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nostrlink/internal/clock"
	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// fakeStream is a relay.Stream fed directly by the test.
type fakeStream struct {
	ch chan *protocol.Event

	mu     sync.Mutex
	closes int
}

func (s *fakeStream) Events() <-chan *protocol.Event { return s.ch }

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeTransport struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
	filters []protocol.Filter
	relays  [][]string
}

func (t *fakeTransport) Subscribe(_ context.Context, relays []string, filters ...protocol.Filter) (relay.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	s := &fakeStream{ch: make(chan *protocol.Event, 16)}
	t.streams = append(t.streams, s)
	t.filters = append(t.filters, filters...)
	t.relays = append(t.relays, relays)
	return s, nil
}

func (t *fakeTransport) Publish(context.Context, []string, *protocol.Event) error {
	return nil
}

func (t *fakeTransport) lastStream() *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[len(t.streams)-1]
}

func newTestEngine(t *testing.T, secret string) (*Engine, *fakeTransport, *clock.FakeClock) {
	t.Helper()
	tr := &fakeTransport{}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	e := NewEngine(tr, WithClock(clk), WithAppName("nostrlink"))
	if secret != "" {
		e.newSecret = func() (string, error) { return secret, nil }
	}
	return e, tr, clk
}

// response builds a kind 24133 event from signer to the attempt's key
// carrying body encrypted with NIP-44.
func response(t *testing.T, signer *keys.KeyPair, to string, body string) *protocol.Event {
	t.Helper()
	conv, err := crypto.ConversationKey(signer, to)
	if err != nil {
		t.Fatalf("ConversationKey: %v", err)
	}
	content, err := crypto.Encrypt(conv, body)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ev := protocol.NewEvent(protocol.KindNostrConnect, content, protocol.Tags{{protocol.TagPubKey, to}})
	if err := signer.SignEvent(ev); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	return ev
}

func resultBody(t *testing.T, result string) string {
	t.Helper()
	data, _ := json.Marshal(protocol.Response{ID: "r1", Result: result})
	return string(data)
}

func waitDone(t *testing.T, a *Attempt) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("attempt still %s", a.Status())
	}
}

func TestBegin_SubscribesForEphemeralKey(t *testing.T) {
	e, tr, clk := newTestEngine(t, "abc12345")

	a, err := e.Begin(context.Background(), "wss://example", []string{"sign_event:3", "get_public_key"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer a.Cancel()

	if a.Status() != StatusWaiting {
		t.Errorf("status = %s, want waiting", a.Status())
	}
	if got := a.Deadline(); !got.Equal(clk.Now().Add(DefaultTimeout)) {
		t.Errorf("deadline = %v", got)
	}
	if clk.PendingCount() != 1 {
		t.Errorf("pending timers = %d, want 1", clk.PendingCount())
	}

	if len(tr.filters) != 1 {
		t.Fatalf("filters = %v", tr.filters)
	}
	f := tr.filters[0]
	if len(f.Kinds) != 1 || f.Kinds[0] != protocol.KindNostrConnect {
		t.Errorf("kinds = %v", f.Kinds)
	}
	if p := f.Tags[protocol.TagPubKey]; len(p) != 1 || p[0] != a.PublicKey() {
		t.Errorf("#p = %v, want [%s]", p, a.PublicKey())
	}
	if len(tr.relays[0]) != 1 || tr.relays[0][0] != "wss://example" {
		t.Errorf("relays = %v", tr.relays[0])
	}

	want := "nostrconnect://" + a.PublicKey() +
		"?relay=wss%3A%2F%2Fexample&secret=abc12345&perms=sign_event%3A3%2Cget_public_key&name=nostrlink"
	if a.URI() != want {
		t.Errorf("uri = %s\nwant  %s", a.URI(), want)
	}
}

func TestBegin_FreshKeyPerAttempt(t *testing.T) {
	e, _, _ := newTestEngine(t, "")
	a1, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	a1.Cancel()
	a2, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer a2.Cancel()

	if a1.PublicKey() == a2.PublicKey() {
		t.Error("attempts share an ephemeral key")
	}
	if a1.secret == a2.secret {
		t.Error("attempts share a secret")
	}
}

func TestBegin_TransportUnavailable(t *testing.T) {
	e, tr, clk := newTestEngine(t, "abc12345")
	tr.err = relay.ErrTransportUnavailable

	a, err := e.Begin(context.Background(), "wss://down", nil)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("error = %v, want ErrTransportUnavailable", err)
	}
	if a != nil {
		t.Error("expected no attempt")
	}
	if clk.PendingCount() != 0 {
		t.Error("timer armed for a failed attempt")
	}
}

func TestAttempt_ConnectsOnMatchingSecret(t *testing.T) {
	e, tr, clk := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", []string{"sign_event:3", "get_public_key"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	remote, _ := keys.Generate()
	tr.lastStream().ch <- response(t, remote, a.PublicKey(), `{"result":"abc12345"}`)
	waitDone(t, a)

	if a.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", a.Status())
	}
	sess, ok := a.Session()
	if !ok {
		t.Fatal("no session")
	}
	if sess.RemotePubKey != remote.PublicKey() {
		t.Errorf("remote = %s, want %s", sess.RemotePubKey, remote.PublicKey())
	}
	if sess.Relay != "wss://example" || sess.Perms != "sign_event:3,get_public_key" {
		t.Errorf("session = %+v", sess)
	}
	if sess.LocalKey.PublicKey() != a.PublicKey() {
		t.Error("session key differs from attempt key")
	}
	if tr.lastStream().closeCount() != 1 {
		t.Errorf("subscription closed %d times, want 1", tr.lastStream().closeCount())
	}
	if clk.PendingCount() != 0 {
		t.Error("deadline timer still armed")
	}

	got, err := a.Wait(context.Background())
	if err != nil || got.RemotePubKey != remote.PublicKey() {
		t.Errorf("Wait = %+v, %v", got, err)
	}
}

func TestAttempt_NonMatchingEventsKeepWaiting(t *testing.T) {
	e, _, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer a.Cancel()

	remote, _ := keys.Generate()
	stranger, _ := keys.Generate()

	garbage := response(t, remote, a.PublicKey(), "x")
	garbage.Content = "not a nip44 payload"

	wrongKind := response(t, remote, a.PublicKey(), resultBody(t, "abc12345"))
	wrongKind.Kind = 4

	// Encrypted to someone else: decrypts to noise under the attempt key.
	misaddressed := response(t, remote, stranger.PublicKey(), resultBody(t, "abc12345"))

	tests := []struct {
		name string
		ev   *protocol.Event
	}{
		{"wrong_secret", response(t, remote, a.PublicKey(), resultBody(t, "abc12346"))},
		{"prefix_of_secret", response(t, remote, a.PublicKey(), resultBody(t, "abc1234"))},
		{"empty_result", response(t, remote, a.PublicKey(), `{"id":"1","result":""}`)},
		{"no_result", response(t, remote, a.PublicKey(), `{"id":"1","error":"nope"}`)},
		{"array_body", response(t, remote, a.PublicKey(), `["abc12345"]`)},
		{"not_json", response(t, remote, a.PublicKey(), "abc12345")},
		{"undecryptable", garbage},
		{"wrong_kind", wrongKind},
		{"misaddressed", misaddressed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.HandleEvent(tt.ev); got != StatusWaiting {
				t.Errorf("HandleEvent = %s, want waiting", got)
			}
		})
	}
	if a.Status() != StatusWaiting {
		t.Errorf("final status = %s", a.Status())
	}
}

func TestAttempt_FirstMatchWins(t *testing.T) {
	e, _, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	first, _ := keys.Generate()
	second, _ := keys.Generate()
	ev1 := response(t, first, a.PublicKey(), resultBody(t, "abc12345"))
	ev2 := response(t, second, a.PublicKey(), resultBody(t, "abc12345"))

	if got := a.HandleEvent(ev1); got != StatusConnected {
		t.Fatalf("first HandleEvent = %s", got)
	}
	if got := a.HandleEvent(ev2); got != StatusConnected {
		t.Fatalf("second HandleEvent = %s", got)
	}
	if got := a.HandleEvent(ev1); got != StatusConnected {
		t.Fatalf("replayed HandleEvent = %s", got)
	}
	sess, _ := a.Session()
	if sess.RemotePubKey != first.PublicKey() {
		t.Errorf("remote = %s, want first responder", sess.RemotePubKey)
	}
}

func TestAttempt_ConcurrentMatchesTransitionOnce(t *testing.T) {
	e, tr, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		signer, _ := keys.Generate()
		ev := response(t, signer, a.PublicKey(), resultBody(t, "abc12345"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.HandleEvent(ev)
		}()
	}
	wg.Wait()

	if a.Status() != StatusConnected {
		t.Fatalf("status = %s", a.Status())
	}
	if n := tr.lastStream().closeCount(); n != 1 {
		t.Errorf("subscription closed %d times, want 1", n)
	}
}

func TestAttempt_Timeout(t *testing.T) {
	e, tr, clk := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	clk.Advance(DefaultTimeout - time.Second)
	if a.Status() != StatusWaiting {
		t.Fatalf("status before deadline = %s", a.Status())
	}

	clk.Advance(time.Second)
	waitDone(t, a)
	if a.Status() != StatusError {
		t.Fatalf("status = %s, want error", a.Status())
	}
	if !errors.Is(a.Err(), ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", a.Err())
	}
	if tr.lastStream().closeCount() != 1 {
		t.Error("subscription not released on timeout")
	}

	if _, err := a.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait error = %v", err)
	}

	remote, _ := keys.Generate()
	if got := a.HandleEvent(response(t, remote, a.PublicKey(), resultBody(t, "abc12345"))); got != StatusError {
		t.Errorf("late match moved status to %s", got)
	}
}

func TestAttempt_CustomTimeout(t *testing.T) {
	tr := &fakeTransport{}
	clk := clock.Fake(time.Unix(0, 0))
	e := NewEngine(tr, WithClock(clk), WithTimeout(10*time.Second))
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	clk.Advance(10 * time.Second)
	if a.Status() != StatusError {
		t.Errorf("status = %s", a.Status())
	}
}

func TestAttempt_CancelIsIdempotent(t *testing.T) {
	e, tr, clk := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	a.Cancel()
	a.Cancel()
	if a.Status() != StatusCancelled {
		t.Fatalf("status = %s", a.Status())
	}
	if !errors.Is(a.Err(), ErrCancelled) {
		t.Errorf("err = %v", a.Err())
	}
	if tr.lastStream().closeCount() != 1 {
		t.Errorf("closes = %d", tr.lastStream().closeCount())
	}
	if clk.PendingCount() != 0 {
		t.Error("timer still armed after cancel")
	}

	clk.Advance(DefaultTimeout)
	if a.Status() != StatusCancelled {
		t.Errorf("status after deadline = %s", a.Status())
	}
}

func TestAttempt_CancelAfterConnectedIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	remote, _ := keys.Generate()
	a.HandleEvent(response(t, remote, a.PublicKey(), resultBody(t, "abc12345")))

	a.Cancel()
	if a.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", a.Status())
	}
	if a.Err() != nil {
		t.Errorf("err = %v", a.Err())
	}
}

func TestAttempt_WaitCancelsOnContext(t *testing.T) {
	e, _, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait error = %v, want ErrCancelled", err)
	}
	if a.Status() != StatusCancelled {
		t.Errorf("status = %s", a.Status())
	}
}

func TestAttempt_StreamEndFailsAttempt(t *testing.T) {
	e, tr, _ := newTestEngine(t, "abc12345")
	a, err := e.Begin(context.Background(), "wss://example", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	close(tr.lastStream().ch)
	waitDone(t, a)
	if a.Status() != StatusError || !errors.Is(a.Err(), ErrTransportUnavailable) {
		t.Errorf("status = %s, err = %v", a.Status(), a.Err())
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{
		StatusIdle: "idle", StatusWaiting: "waiting", StatusConnected: "connected",
		StatusError: "error", StatusCancelled: "cancelled", Status(42): "status(42)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %s", int(s), s.String())
		}
	}
	if StatusWaiting.Terminal() || !StatusCancelled.Terminal() {
		t.Error("Terminal() wrong")
	}
}

func TestNewSecret(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		s, err := NewSecret()
		if err != nil {
			t.Fatalf("NewSecret: %v", err)
		}
		if len(s) != SecretLength {
			t.Fatalf("len = %d", len(s))
		}
		for _, r := range s {
			if !strings.ContainsRune(SecretAlphabet, r) {
				t.Fatalf("secret %q has %q outside the alphabet", s, r)
			}
		}
		seen[s] = true
	}
	if len(seen) < 99 {
		t.Errorf("only %d distinct secrets in 100", len(seen))
	}
	if len(SecretAlphabet) != 32 {
		t.Errorf("alphabet has %d symbols", len(SecretAlphabet))
	}
}
