package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	seenSize = 10000
	seenTTL  = 10 * time.Minute
)

// seenEvents remembers which events each subscription already delivered, so
// an event relayed by several relays reaches the consumer once. One cache is
// shared by every subscription of a pool; old entries age out or are evicted
// least-recently-used first.
type seenEvents struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

func newSeenEvents(size int, ttl time.Duration) *seenEvents {
	return &seenEvents{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// firstSighting records id for sub and reports whether it was new.
func (s *seenEvents) firstSighting(sub, id string) bool {
	key := sub + "/" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lru.Get(key); ok {
		return false
	}
	s.lru.Add(key, struct{}{})
	return true
}
