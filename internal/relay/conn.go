package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

const (
	// maxFrameSize caps a single relay frame (512KB).
	maxFrameSize = 512 * 1024

	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	okTimeout    = 10 * time.Second
	sendBuffer   = 256
	subBuffer    = 256
)

// Conn is a single websocket connection to a relay. A read pump dispatches
// inbound frames to subscriptions and pending publishes; a write pump
// serializes outbound frames and keeps the connection alive with pings.
type Conn struct {
	url  string
	ws   *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]*connSub
	oks  map[string]chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// connSub is one REQ on one connection.
type connSub struct {
	id     string
	events chan *protocol.Event
	eose   chan struct{}
	closed bool
	gotEOS bool
}

// Dial opens a connection to the relay at url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Conn{
		url:  url,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]*connSub),
		oks:  make(map[string]chan protocol.Envelope),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()

	slog.Debug("relay connected", "relay", url)
	return c, nil
}

// URL returns the relay URL this connection was dialed with.
func (c *Conn) URL() string { return c.url }

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection terminated, if it has.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// subscribe sends a REQ and registers the per-connection subscription.
func (c *Conn) subscribe(ctx context.Context, id string, filters ...protocol.Filter) (*connSub, error) {
	sub := &connSub{
		id:     id,
		events: make(chan *protocol.Event, subBuffer),
		eose:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.writeFrame(ctx, protocol.NewReqFrame(id, filters...)); err != nil {
		c.unsubscribe(id, false)
		return nil, err
	}
	return sub, nil
}

// unsubscribe removes a subscription and closes its channel. When notify is
// set and the connection is alive, a CLOSE frame is sent to the relay.
func (c *Conn) unsubscribe(id string, notify bool) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		sub.close()
	}
	alive := c.err == nil
	c.mu.Unlock()

	if ok && notify && alive {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.writeFrame(ctx, protocol.NewCloseFrame(id)); err != nil {
			slog.Debug("relay close frame failed", "relay", c.url, "sub", id, "error", err)
		}
	}
}

// Publish sends ev and waits for the relay's OK frame.
func (c *Conn) Publish(ctx context.Context, ev *protocol.Event) error {
	okCh := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.oks[ev.ID] = okCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(ctx, protocol.NewEventFrame(ev)); err != nil {
		return err
	}

	timer := time.NewTimer(okTimeout)
	defer timer.Stop()

	select {
	case env := <-okCh:
		// "duplicate:" means the relay already has the event.
		if env.Accepted || strings.HasPrefix(env.Message, "duplicate:") {
			return nil
		}
		return fmt.Errorf("%w by %s: %s", ErrRejected, c.url, env.Message)
	case <-timer.C:
		return fmt.Errorf("relay %s: no OK for event %s", c.url, ev.ID)
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down and ends every subscription on it.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		for id, sub := range c.subs {
			sub.close()
			delete(c.subs, id)
		}
		c.mu.Unlock()

		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
		slog.Debug("relay disconnected", "relay", c.url, "reason", reason)
	})
}

func (c *Conn) writeFrame(ctx context.Context, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Label, err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("relay read error", "relay", c.url, "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleFrame(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		}
	}
}

func (c *Conn) handleFrame(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		slog.Debug("relay sent malformed frame", "relay", c.url, "error", err)
		return
	}

	switch env.Label {
	case protocol.FrameEvent:
		c.mu.Lock()
		sub, ok := c.subs[env.SubscriptionID]
		if ok {
			select {
			case sub.events <- env.Event:
			default:
				slog.Warn("relay subscription buffer full, dropping event", "relay", c.url, "sub", sub.id)
			}
		}
		c.mu.Unlock()

	case protocol.FrameEOSE:
		c.mu.Lock()
		if sub, ok := c.subs[env.SubscriptionID]; ok && !sub.gotEOS {
			sub.gotEOS = true
			close(sub.eose)
		}
		c.mu.Unlock()

	case protocol.FrameClosed:
		slog.Info("relay closed subscription", "relay", c.url, "sub", env.SubscriptionID, "message", env.Message)
		c.unsubscribe(env.SubscriptionID, false)

	case protocol.FrameOK:
		c.mu.Lock()
		ch, ok := c.oks[env.EventID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- *env:
			default:
			}
		}

	case protocol.FrameNotice:
		slog.Info("relay notice", "relay", c.url, "message", env.Message)

	case protocol.FrameAuth:
		slog.Debug("relay requested auth, ignoring", "relay", c.url)
	}
}

// close must be called with the owning Conn's mu held.
func (s *connSub) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if !s.gotEOS {
		s.gotEOS = true
		close(s.eose)
	}
}
