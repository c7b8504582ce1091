// Package ratelimit implements a per-client token bucket rate limiter for
// the HTTP API. Tokens are refilled lazily on each Allow call; there are no
// background goroutines.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter gives each client an independent bucket; one client cannot
// exhaust another's quota. Clients are identified by API key when one is
// presented, by remote address otherwise.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Unlimited reports whether the limiter lets everything through.
func (l *Limiter) Unlimited() bool { return l == nil || l.rate <= 0 }

// Allow consumes one token from client's bucket. Returns ErrRateLimited if
// the bucket is empty.
func (l *Limiter) Allow(client string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune forgets clients whose bucket has been full for at least idle.
// A forgotten client starts again with a full bucket, so nothing is lost.
func (l *Limiter) Prune(idle time.Duration) int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, b := range l.clients {
		refilled := b.tokens + now.Sub(b.lastFill).Seconds()*l.rate
		if refilled >= l.burst && now.Sub(b.lastFill) >= idle {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
