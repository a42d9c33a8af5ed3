// Package relaytest runs an in-process nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

// Server is a minimal NIP-01 relay: it stores every published event,
// replays matches on REQ followed by EOSE, and fans new events out to
// live subscriptions.
type Server struct {
	// URL is the ws:// address of the relay.
	URL string

	// OnPublish, when set, runs after an EVENT from a client is stored and
	// broadcast. Tests use it to script a peer that answers requests.
	OnPublish func(ev *protocol.Event)

	// Reject, when set, decides whether a published event is refused.
	Reject func(ev *protocol.Event) (reason string, rejected bool)

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	events    []*protocol.Event
	clients   map[*client]bool
	reqs      int
	closes    int
	published []*protocol.Event
	hold      *hold
}

type hold struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (h *hold) release() { h.once.Do(func() { close(h.gate) }) }

// Hold stalls new connections before the websocket upgrade until release
// is called. entered receives once per stalled connection. Close releases.
func (s *Server) Hold() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 16), gate: make(chan struct{})}
	s.mu.Lock()
	s.hold = h
	s.mu.Unlock()
	return h.entered, h.release
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string][]protocol.Filter
}

// NewServer starts a relay and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{clients: make(map[*client]bool)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	if s.hold != nil {
		s.hold.release()
	}
	for c := range s.clients {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Store adds an event to the relay's history without broadcasting it.
func (s *Server) Store(ev *protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Broadcast stores ev and delivers it to every matching live subscription.
func (s *Server) Broadcast(ev *protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	type target struct {
		c     *client
		subID string
	}
	var targets []target
	for c := range s.clients {
		for id, filters := range c.subs {
			if matchesAny(filters, ev) {
				targets = append(targets, target{c, id})
			}
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		env := protocol.NewEventFrame(ev)
		env.SubscriptionID = t.subID
		t.c.write(env)
	}
}

// Published returns the events clients have sent, in arrival order.
func (s *Server) Published() []*protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Event(nil), s.published...)
}

// ActiveSubscriptions returns the number of open REQs across all clients.
func (s *Server) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		n += len(c.subs)
	}
	return n
}

// Counts returns how many REQ and CLOSE frames the relay has received.
func (s *Server) Counts() (reqs, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs, s.closes
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.hold
	s.mu.Unlock()
	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		<-h.gate
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string][]protocol.Filter)}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.write(&protocol.Envelope{Label: protocol.FrameNotice, Message: "error: " + err.Error()})
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) dispatch(c *client, env *protocol.Envelope) {
	switch env.Label {
	case protocol.FrameReq:
		s.mu.Lock()
		s.reqs++
		c.subs[env.SubscriptionID] = env.Filters
		var replay []*protocol.Event
		for _, ev := range s.events {
			if matchesAny(env.Filters, ev) {
				replay = append(replay, ev)
			}
		}
		s.mu.Unlock()

		for _, ev := range replay {
			out := protocol.NewEventFrame(ev)
			out.SubscriptionID = env.SubscriptionID
			c.write(out)
		}
		c.write(&protocol.Envelope{Label: protocol.FrameEOSE, SubscriptionID: env.SubscriptionID})

	case protocol.FrameClose:
		s.mu.Lock()
		s.closes++
		delete(c.subs, env.SubscriptionID)
		s.mu.Unlock()

	case protocol.FrameEvent:
		ev := env.Event
		if s.Reject != nil {
			if reason, rejected := s.Reject(ev); rejected {
				c.write(&protocol.Envelope{Label: protocol.FrameOK, EventID: ev.ID, Message: reason})
				return
			}
		}
		s.mu.Lock()
		s.published = append(s.published, ev)
		s.mu.Unlock()

		c.write(&protocol.Envelope{Label: protocol.FrameOK, EventID: ev.ID, Accepted: true})
		s.Broadcast(ev)
		if s.OnPublish != nil {
			s.OnPublish(ev)
		}
	}
}

func (c *client) write(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, data)
}

func matchesAny(filters []protocol.Filter, ev *protocol.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
