package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PublishLimiter throttles outbound events per relay with a token bucket.
type PublishLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	r        rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPublishLimiter creates a limiter allowing rpm events per minute per
// relay with the given burst. rpm <= 0 disables limiting.
func NewPublishLimiter(rpm, burst int) *PublishLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &PublishLimiter{
		limiters: make(map[string]*limiterEntry),
		r:        r,
		burst:    burst,
	}
}

// Enabled reports whether limiting is active.
func (l *PublishLimiter) Enabled() bool {
	return l != nil && l.r > 0
}

// Wait blocks until relay may receive another event or ctx ends.
func (l *PublishLimiter) Wait(ctx context.Context, relay string) error {
	if !l.Enabled() {
		return nil
	}
	lim := l.get(relay)
	if lim.Tokens() < 1 {
		slog.Debug("relay publish throttled", "relay", relay)
	}
	return lim.Wait(ctx)
}

func (l *PublishLimiter) get(relay string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now.Add(-10 * time.Minute))

	e, ok := l.limiters[relay]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[relay] = e
	}
	e.lastSeen = now
	return e.limiter
}

// prune must be called with l.mu held.
func (l *PublishLimiter) prune(cutoff time.Time) {
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
}
