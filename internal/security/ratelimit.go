package security

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("security: rate limit exceeded")

// Rate limit kinds.
const (
	KindAuth    = "auth"
	KindWebhook = "webhook"
)

// RateLimitConfig holds per-minute limits. Zero fields use defaults.
type RateLimitConfig struct {
	// AuthPerMin caps admin authentication attempts across all clients.
	AuthPerMin int `yaml:"auth_per_min"`
	// WebhooksPerMin caps inbound webhooks per source.
	WebhooksPerMin int `yaml:"webhooks_per_min"`
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.AuthPerMin <= 0 {
		c.AuthPerMin = 30
	}
	if c.WebhooksPerMin <= 0 {
		c.WebhooksPerMin = 60
	}
	return c
}

// RateLimiter implements sliding-window rate limiting. Keys are a kind,
// optionally followed by ":" and a sub-key (e.g. "webhook:github"); each
// distinct key has its own window with the limit of its kind.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	events []time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow records an event for key and returns ErrRateLimited when the
// window for key is full. Keys of unknown kind are never limited.
func (rl *RateLimiter) Allow(key string) error {
	limit := rl.limitFor(key)
	if limit <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{}
		rl.buckets[key] = b
	}

	now := rl.now()
	b.evict(now.Add(-time.Minute))
	if len(b.events) >= limit {
		return ErrRateLimited
	}
	b.events = append(b.events, now)
	return nil
}

// Sweep drops empty buckets. Returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-time.Minute)
	n := 0
	for key, b := range rl.buckets {
		b.evict(cutoff)
		if len(b.events) == 0 {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) limitFor(key string) int {
	kind, _, _ := strings.Cut(key, ":")
	switch kind {
	case KindAuth:
		return rl.cfg.AuthPerMin
	case KindWebhook:
		return rl.cfg.WebhooksPerMin
	default:
		return 0
	}
}

// evict removes events before cutoff. Events are chronological.
func (b *bucket) evict(cutoff time.Time) {
	i := 0
	for i < len(b.events) && b.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
