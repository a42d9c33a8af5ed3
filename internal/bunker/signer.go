package bunker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nostrlink/internal/crypto"
	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/relay"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Signer is a NIP-46 session with a remote signer. Requests are encrypted
// to the remote key with NIP-44 and answered on the same relays.
type Signer struct {
	transport relay.Transport
	key       *keys.KeyPair
	remote    string
	relays    []string
	conv      []byte
	timeout   time.Duration
	stream    relay.Stream

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	userPub string
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// open subscribes to responses from remote and starts the response loop.
func open(ctx context.Context, t relay.Transport, key *keys.KeyPair, remote string, relays []string, timeout time.Duration) (*Signer, error) {
	conv, err := crypto.ConversationKey(key, remote)
	if err != nil {
		return nil, fmt.Errorf("bunker conversation key: %w", err)
	}

	stream, err := t.Subscribe(ctx, relays, protocol.Filter{
		Kinds:   []int{protocol.KindNostrConnect},
		Authors: []string{remote},
		Tags:    map[string][]string{protocol.TagPubKey: {key.PublicKey()}},
		Since:   time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	s := &Signer{
		transport: t,
		key:       key,
		remote:    remote,
		relays:    relays,
		conv:      conv,
		timeout:   timeout,
		stream:    stream,
		pending:   make(map[string]chan protocol.Response),
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// RemotePubKey returns the remote signer's key (hex). It may differ from the
// user's key; use PublicKey for the latter.
func (s *Signer) RemotePubKey() string { return s.remote }

// ClientKey returns the local key used to talk to the remote signer.
func (s *Signer) ClientKey() *keys.KeyPair { return s.key }

// Relays returns the relays the session uses.
func (s *Signer) Relays() []string { return s.relays }

// PublicKey returns the user's public key as reported by the remote signer.
// The answer is cached for the life of the session.
func (s *Signer) PublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.userPub
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	pub, err := s.call(ctx, protocol.MethodGetPublicKey)
	if err != nil {
		return "", err
	}
	if !keys.ValidPublicKeyHex(pub) {
		return "", fmt.Errorf("%w: invalid public key %q", ErrRejected, pub)
	}

	s.mu.Lock()
	s.userPub = pub
	s.mu.Unlock()
	return pub, nil
}

// SignEvent asks the remote signer to sign ev and fills in pubkey, id and
// sig from the verified answer.
func (s *Signer) SignEvent(ctx context.Context, ev *protocol.Event) error {
	tmpl, err := json.Marshal(struct {
		Kind      int           `json:"kind"`
		Content   string        `json:"content"`
		Tags      protocol.Tags `json:"tags"`
		CreatedAt int64         `json:"created_at"`
	}{ev.Kind, ev.Content, ev.Tags, ev.CreatedAt})
	if err != nil {
		return err
	}

	res, err := s.call(ctx, protocol.MethodSignEvent, string(tmpl))
	if err != nil {
		return err
	}

	var signed protocol.Event
	if err := json.Unmarshal([]byte(res), &signed); err != nil {
		return fmt.Errorf("%w: malformed signed event: %v", ErrRejected, err)
	}
	if signed.Kind != ev.Kind || signed.Content != ev.Content || signed.CreatedAt != ev.CreatedAt {
		return fmt.Errorf("%w: signed event does not match request", ErrRejected)
	}
	if err := keys.VerifyEvent(&signed); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	s.mu.Lock()
	want := s.userPub
	s.mu.Unlock()
	if want != "" && signed.PubKey != want {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrRejected, signed.PubKey, want)
	}

	ev.PubKey, ev.ID, ev.Sig, ev.Tags = signed.PubKey, signed.ID, signed.Sig, signed.Tags
	return nil
}

// Ping checks that the remote signer is responsive.
func (s *Signer) Ping(ctx context.Context) error {
	res, err := s.call(ctx, protocol.MethodPing)
	if err != nil {
		return err
	}
	if res != protocol.ResultPong {
		return fmt.Errorf("%w: unexpected ping result %q", ErrRejected, res)
	}
	return nil
}

// Close ends the session. Pending requests fail with ErrClosed.
func (s *Signer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.stream.Close()
		slog.Debug("bunker session closed", "remote", s.remote)
	})
	return nil
}

// call sends one request and waits for its response.
func (s *Signer) call(ctx context.Context, method string, params ...string) (string, error) {
	if params == nil {
		params = []string{}
	}
	req := protocol.Request{ID: uuid.NewString(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	content, err := crypto.Encrypt(s.conv, string(body))
	if err != nil {
		return "", fmt.Errorf("encrypt %s request: %w", method, err)
	}
	ev := protocol.NewEvent(protocol.KindNostrConnect, content, protocol.Tags{{protocol.TagPubKey, s.remote}})
	if err := s.key.SignEvent(ev); err != nil {
		return "", err
	}

	ch := make(chan protocol.Response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.transport.Publish(ctx, s.relays, ev); err != nil {
		return "", fmt.Errorf("%w: publish %s: %w", ErrUnreachable, method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s: %s", ErrRejected, method, resp.Error)
		}
		return resp.Result, nil
	case <-s.done:
		return "", ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: no answer to %s", ErrUnreachable, method)
		}
		return "", ctx.Err()
	}
}

// run dispatches decrypted responses to waiting calls.
func (s *Signer) run() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.stream.Events():
			if !ok {
				slog.Warn("bunker subscription ended", "remote", s.remote)
				s.Close()
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Signer) handle(ev *protocol.Event) {
	if ev.PubKey != s.remote {
		return
	}
	plaintext, err := crypto.Decrypt(s.conv, ev.Content)
	if err != nil {
		slog.Debug("bunker: undecryptable response", "event", ev.ID, "error", err)
		return
	}
	resp, ok := protocol.ParseResponse(plaintext)
	if !ok || resp.ID == "" {
		return
	}
	if resp.Result == protocol.ResultAuthURL {
		slog.Warn("remote signer requires authorization, open the url to continue", "url", resp.Error, "request", resp.ID)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
