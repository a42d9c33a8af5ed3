// Package relay talks to nostr relays over websockets: one Conn per relay,
// and a Pool that fans subscriptions and publishes out over a relay set.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Stream is a finite sequence of inbound events. Events is closed once every
// underlying relay subscription has ended or Close was called.
type Stream interface {
	Events() <-chan *protocol.Event
	Close()
}

// Transport is the relay capability the signer components depend on.
type Transport interface {
	Subscribe(ctx context.Context, relays []string, filters ...protocol.Filter) (Stream, error)
	Publish(ctx context.Context, relays []string, ev *protocol.Event) error
}

// Pool keeps at most one live connection per relay URL. Connections are
// dialed lazily on first use; a connection that dropped is redialed on the
// next call that needs it.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	dials  singleflight.Group
	closed bool

	connectTimeout time.Duration
	limiter        *PublishLimiter
	seen           *seenEvents
}

// Option configures a Pool.
type Option func(*Pool)

// WithConnectTimeout bounds each relay dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connectTimeout = d }
}

// WithPublishLimit throttles publishes per relay (rpm <= 0 disables).
func WithPublishLimit(rpm, burst int) Option {
	return func(p *Pool) { p.limiter = NewPublishLimiter(rpm, burst) }
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		conns:          make(map[string]*Conn),
		connectTimeout: 10 * time.Second,
		seen:           newSeenEvents(seenSize, seenTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Transport = (*Pool)(nil)

// Connect returns a live connection to url, dialing if needed.
func (p *Pool) Connect(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := p.conns[url]; ok {
		select {
		case <-c.Done():
			delete(p.conns, url)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	// The dial is shared by every caller waiting on this relay, so it is
	// bounded by connectTimeout rather than by any one caller's ctx.
	ch := p.dials.DoChan(url, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.connectTimeout)
		defer cancel()
		c, err := Dial(dctx, url)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			c.Close()
			return nil, ErrClosed
		}
		p.conns[url] = c
		return c, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectAll dials relays concurrently and returns the reachable ones in
// the order given. Unreachable relays are logged and skipped.
func (p *Pool) connectAll(ctx context.Context, relays []string) []*Conn {
	relays = uniqueRelays(relays)
	conns := make([]*Conn, len(relays))
	var g errgroup.Group
	for i, url := range relays {
		g.Go(func() error {
			c, err := p.Connect(ctx, url)
			if err != nil {
				slog.Warn("relay unreachable", "relay", url, "error", err)
				return nil
			}
			conns[i] = c
			return nil
		})
	}
	g.Wait()

	out := conns[:0]
	for _, c := range conns {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func uniqueRelays(relays []string) []string {
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// Subscribe opens one REQ per reachable relay and merges the results into a
// single stream. Events with invalid ids or signatures are dropped, and an
// event delivered by several relays is passed on once.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters ...protocol.Filter) (Stream, error) {
	return p.subscribe(ctx, relays, filters...)
}

func (p *Pool) subscribe(ctx context.Context, relays []string, filters ...protocol.Filter) (*Subscription, error) {
	conns := p.connectAll(ctx, relays)
	if len(conns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, strings.Join(relays, ", "))
	}

	s := &Subscription{
		id:   uuid.NewString(),
		out:  make(chan *protocol.Event, subBuffer),
		done: make(chan struct{}),
		eose: make(chan struct{}),
		seen: p.seen,
	}
	for _, c := range conns {
		cs, err := c.subscribe(ctx, s.id, filters...)
		if err != nil {
			slog.Warn("relay subscribe failed", "relay", c.URL(), "error", err)
			continue
		}
		s.parts = append(s.parts, subPart{conn: c, sub: cs})
	}
	if len(s.parts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, strings.Join(relays, ", "))
	}

	s.pending = len(s.parts)
	for _, part := range s.parts {
		s.wg.Add(1)
		go s.forward(part)
	}
	go func() {
		s.wg.Wait()
		close(s.out)
	}()

	slog.Debug("relay subscription opened", "sub", s.id, "relays", len(s.parts))
	return s, nil
}

// Query collects stored events matching filter until every relay has sent
// EOSE or ctx ends, whichever comes first.
func (p *Pool) Query(ctx context.Context, relays []string, filter protocol.Filter) ([]*protocol.Event, error) {
	s, err := p.subscribe(ctx, relays, filter)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var out []*protocol.Event
	for {
		select {
		case ev, ok := <-s.out:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-s.eose:
			for {
				select {
				case ev, ok := <-s.out:
					if !ok {
						return out, nil
					}
					out = append(out, ev)
				default:
					return out, nil
				}
			}
		case <-ctx.Done():
			if len(out) > 0 {
				return out, nil
			}
			return nil, ctx.Err()
		}
	}
}

// Publish sends ev to every reachable relay concurrently. It succeeds when
// at least one relay accepts the event.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *protocol.Event) error {
	conns := p.connectAll(ctx, relays)
	if len(conns) == 0 {
		return fmt.Errorf("%w: %s", ErrTransportUnavailable, strings.Join(relays, ", "))
	}

	var (
		mu       sync.Mutex
		errs     []error
		accepted int
		g        errgroup.Group
	)
	for _, c := range conns {
		g.Go(func() error {
			err := p.limiter.Wait(ctx, c.URL())
			if err == nil {
				err = c.Publish(ctx, ev)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			accepted++
			return nil
		})
	}
	g.Wait()

	if accepted == 0 {
		return fmt.Errorf("publish %s: %w", ev.ID, errors.Join(errs...))
	}
	if len(errs) > 0 {
		slog.Debug("event published with partial failures", "event", ev.ID, "accepted", accepted, "failed", len(errs))
	}
	return nil
}

// Close terminates every connection. The pool cannot be reused.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Subscription is a merged multi-relay subscription returned by Pool.Subscribe.
type Subscription struct {
	id    string
	parts []subPart
	out   chan *protocol.Event
	done  chan struct{}
	seen  *seenEvents
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending int
	eose    chan struct{}

	closeOnce sync.Once
}

type subPart struct {
	conn *Conn
	sub  *connSub
}

var _ Stream = (*Subscription)(nil)

// ID returns the subscription id sent to relays.
func (s *Subscription) ID() string { return s.id }

// Events returns the merged event channel.
func (s *Subscription) Events() <-chan *protocol.Event { return s.out }

// EOSE is closed once every relay has finished replaying stored events.
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Close ends the subscription on every relay. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, part := range s.parts {
			part.conn.unsubscribe(s.id, true)
		}
		slog.Debug("relay subscription closed", "sub", s.id)
	})
}

func (s *Subscription) forward(part subPart) {
	defer s.wg.Done()

	marked := false
	markEOSE := func() {
		if marked {
			return
		}
		marked = true
		s.mu.Lock()
		s.pending--
		if s.pending == 0 {
			close(s.eose)
		}
		s.mu.Unlock()
	}
	defer markEOSE()

	eose := part.sub.eose
	for {
		select {
		case ev, ok := <-part.sub.events:
			if !ok {
				return
			}
			if !s.deliver(ev, part.conn.URL()) {
				return
			}
		case <-eose:
			eose = nil
			// Events queued before EOSE are already buffered.
			for drained := false; !drained; {
				select {
				case ev, ok := <-part.sub.events:
					if !ok {
						return
					}
					if !s.deliver(ev, part.conn.URL()) {
						return
					}
				default:
					drained = true
				}
			}
			markEOSE()
		}
	}
}

func (s *Subscription) deliver(ev *protocol.Event, relayURL string) bool {
	if err := keys.VerifyEvent(ev); err != nil {
		slog.Debug("dropping invalid event", "relay", relayURL, "event", ev.ID, "error", err)
		return true
	}
	if !s.seen.firstSighting(s.id, ev.ID) {
		return true
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
