// Package ratelimit implements the Rate Governor (§4.2): uniform
// token-bucket limits per identity per event class. Buckets are created
// lazily on first touch and evicted after a period of inactivity, following
// the periodic-sweep pattern the rest of this codebase uses for TTL-based
// cleanup.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/wsproto"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfterMS int64
}

type bucketKey struct {
	identityID string
	class      wsproto.RateClass
}

type bucket struct {
	limiter   *rate.Limiter
	burst     int
	lastTouch time.Time
}

// Governor enforces per-(identity, class) token-bucket limits. Safe for
// concurrent use.
type Governor struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	cfg     config.RateLimitConfig
}

// New builds a Governor from the rate-limit configuration.
func New(cfg config.RateLimitConfig) *Governor {
	return &Governor{
		buckets: make(map[bucketKey]*bucket),
		cfg:     cfg,
	}
}

// Check consumes one token from the bucket for (identityID, class), creating
// the bucket on first touch. It never blocks.
func (g *Governor) Check(identityID string, class wsproto.RateClass) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := bucketKey{identityID: identityID, class: class}
	b, ok := g.buckets[key]
	if !ok {
		b = g.newBucket(class)
		g.buckets[key] = b
	}

	now := time.Now()
	b.lastTouch = now

	if b.limiter.AllowN(now, 1) {
		return Result{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}
	}

	retryAfter := b.limiter.ReserveN(now, 1)
	delay := retryAfter.DelayFrom(now)
	retryAfter.Cancel()

	return Result{
		Allowed:      false,
		Remaining:    0,
		RetryAfterMS: delay.Milliseconds(),
	}
}

func (g *Governor) newBucket(class wsproto.RateClass) *bucket {
	capacity, refill := g.limits(class)
	r := rate.Every(refill)
	return &bucket{
		limiter:   rate.NewLimiter(r, capacity),
		burst:     capacity,
		lastTouch: time.Now(),
	}
}

// limits returns (capacity, refill-interval-per-token) for a class, per
// §4.2's per-class table.
func (g *Governor) limits(class wsproto.RateClass) (int, time.Duration) {
	switch class {
	case wsproto.ClassConnection:
		return g.cfg.ConnectionCapacity, g.cfg.ConnectionRefill
	case wsproto.ClassKeystroke:
		return g.cfg.KeystrokeCapacity, g.cfg.KeystrokeRefill
	case wsproto.ClassRaceProgress:
		return g.cfg.RaceProgressCapacity, g.cfg.RaceProgressRefill
	case wsproto.ClassChat:
		return g.cfg.ChatCapacity, g.cfg.ChatRefill
	default:
		return g.cfg.GeneralCapacity, g.cfg.GeneralRefill
	}
}

// StartEvictionSweep runs a background goroutine that periodically evicts
// buckets untouched for longer than BucketTTL, so long-lived identities that
// disconnect don't leak bucket memory forever.
func (g *Governor) StartEvictionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.evictStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *Governor) evictStale() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.cfg.BucketTTL)
	evicted := 0
	for key, b := range g.buckets {
		if b.lastTouch.Before(cutoff) {
			delete(g.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate governor evicted stale buckets", "count", evicted)
	}
}

// Size reports the current number of tracked buckets. Used for tests and
// diagnostics.
func (g *Governor) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
