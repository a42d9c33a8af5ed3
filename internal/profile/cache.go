// Package profile caches kind 0 metadata for public keys, in memory and in
// the store, so status output does not hit relays on every run.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/pkg/protocol"
)

const (
	// DefaultTTL is how long a fetched profile is trusted.
	DefaultTTL = 24 * time.Hour

	defaultMemorySize   = 256
	defaultFetchTimeout = 8 * time.Second
)

// ErrNotFound is returned when no relay has metadata for the key.
var ErrNotFound = errors.New("profile: no metadata found")

// Profile is the subset of kind 0 content the app shows.
type Profile struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	About       string `json:"about,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
}

// Label returns the best human-readable name for p.
func (p Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Name != "":
		return p.Name
	default:
		return ""
	}
}

// Querier runs a one-shot relay query. *relay.Pool implements it.
type Querier interface {
	Query(ctx context.Context, relays []string, filter protocol.Filter) ([]*protocol.Event, error)
}

// cached is the persisted form; Timestamp is unix milliseconds.
type cached struct {
	Data      Profile `json:"data"`
	Timestamp int64   `json:"timestamp"`
}

// Cache serves profiles from memory, then the store, then relays.
type Cache struct {
	store   store.Store
	ns      string
	querier Querier
	relays  []string
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	mem     *expirable.LRU[string, Profile]
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithFetchTimeout bounds each relay query.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCache creates a cache reading metadata from relays through q.
func NewCache(st store.Store, ns string, q Querier, relays []string, opts ...Option) *Cache {
	c := &Cache{
		store:   st,
		ns:      ns,
		querier: q,
		relays:  relays,
		ttl:     DefaultTTL,
		timeout: defaultFetchTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mem = expirable.NewLRU[string, Profile](defaultMemorySize, nil, c.ttl)
	return c
}

// Get returns the profile for pubkey, fetching it when no fresh copy is cached.
func (c *Cache) Get(ctx context.Context, pubkey string) (Profile, error) {
	if p, ok := c.mem.Get(pubkey); ok {
		return p, nil
	}
	if p, ok := c.load(ctx, pubkey); ok {
		c.mem.Add(pubkey, p)
		return p, nil
	}
	p, err := c.Fetch(ctx, pubkey)
	if err != nil {
		return Profile{}, err
	}
	c.mem.Add(pubkey, p)
	c.save(ctx, p)
	return p, nil
}

// Fetch queries the relays for the newest kind 0 event of pubkey.
func (c *Cache) Fetch(ctx context.Context, pubkey string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	events, err := c.querier.Query(ctx, c.relays, protocol.Filter{
		Kinds:   []int{protocol.KindMetadata},
		Authors: []string{pubkey},
	})
	if err != nil && len(events) == 0 {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", pubkey, err)
	}

	var newest *protocol.Event
	for _, ev := range events {
		if ev.PubKey != pubkey || ev.Kind != protocol.KindMetadata {
			continue
		}
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	if newest == nil {
		return Profile{}, ErrNotFound
	}

	var p Profile
	if err := json.Unmarshal([]byte(newest.Content), &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", pubkey, err)
	}
	p.PubKey = pubkey
	return p, nil
}

// Clear drops every cached profile from memory and the store.
func (c *Cache) Clear(ctx context.Context) error {
	c.mem.Purge()
	return c.store.DeletePrefix(ctx, store.ProfilePrefix(c.ns))
}

func (c *Cache) load(ctx context.Context, pubkey string) (Profile, bool) {
	raw, err := c.store.Get(ctx, store.ProfileKey(c.ns, pubkey))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("profile: read cache", "pubkey", pubkey, "error", err)
		}
		return Profile{}, false
	}
	var e cached
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Debug("profile: discarding unreadable cache entry", "pubkey", pubkey, "error", err)
		return Profile{}, false
	}
	if c.now().Sub(time.UnixMilli(e.Timestamp)) >= c.ttl {
		return Profile{}, false
	}
	return e.Data, true
}

func (c *Cache) save(ctx context.Context, p Profile) {
	raw, err := json.Marshal(cached{Data: p, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, store.ProfileKey(c.ns, p.PubKey), raw); err != nil {
		slog.Warn("profile: write cache", "pubkey", p.PubKey, "error", err)
	}
}
