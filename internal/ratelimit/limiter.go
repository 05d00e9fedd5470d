// Package ratelimit implements per-key token bucket admission control.
package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/metrics"
)

const shardCount = 32

// Options configures a Limiter. Zero values take the defaults below.
type Options struct {
	Interval      time.Duration
	Burst         int
	IdleTTL       time.Duration
	SweepInterval time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type bucket struct {
	limiter    *rate.Limiter
	interval   time.Duration
	burst      int
	lastAccess time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter holds one token bucket per key. A fresh key starts full. Keys are
// spread over shards so callers with different keys rarely contend.
type Limiter struct {
	shards [shardCount]shard
	opts   Options
	log    zerolog.Logger
}

// New creates a limiter.
func New(opts Options) *Limiter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Limiter{opts: opts, log: opts.Logger.With().Str("component", "ratelimit").Logger()}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// CheckAndConsume takes one token from key's bucket, creating it full on first
// use. Consumption and the last-access update happen under the shard lock.
func (l *Limiter) CheckAndConsume(key string, interval time.Duration, burst int) bool {
	ok, _ := l.take(key, interval, burst, l.opts.Now())
	return ok
}

// Allow is CheckAndConsume with the configured defaults. A rejection is a
// *apierror.RateLimitError carrying the time until the next token.
func (l *Limiter) Allow(key string) error {
	return l.AllowWith(key, 0, 0)
}

// AllowWith is Allow with a per-caller bucket shape; zero values take the
// configured defaults.
func (l *Limiter) AllowWith(key string, interval time.Duration, burst int) error {
	ok, wait := l.take(key, interval, burst, l.opts.Now())
	if ok {
		return nil
	}
	l.opts.Metrics.RateLimited()
	return &apierror.RateLimitError{Key: key, RetryAfter: wait}
}

func (l *Limiter) take(key string, interval time.Duration, burst int, now time.Time) (bool, time.Duration) {
	if interval <= 0 {
		interval = l.opts.Interval
	}
	if burst <= 0 {
		burst = l.opts.Burst
	}

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || b.interval != interval || b.burst != burst {
		b = &bucket{
			limiter:  rate.NewLimiter(rate.Every(interval), burst),
			interval: interval,
			burst:    burst,
		}
		s.buckets[key] = b
	}
	b.lastAccess = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, retryAfter(b.limiter, now, interval)
}

// retryAfter is the time until one whole token is available.
func retryAfter(lim *rate.Limiter, now time.Time, interval time.Duration) time.Duration {
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing * float64(interval)))
}

// Stats is a snapshot of limiter occupancy.
type Stats struct {
	ActiveKeys int `json:"active_keys"`
}

// Stats counts the tracked buckets.
func (l *Limiter) Stats() Stats {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return Stats{ActiveKeys: n}
}

// Reset drops key's bucket and reports whether one existed.
func (l *Limiter) Reset(key string) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[key]
	delete(s.buckets, key)
	return ok
}

// Sweep removes buckets idle for longer than the idle TTL and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastAccess) > l.opts.IdleTTL {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep(l.opts.Now())
			stats := l.Stats()
			l.opts.Metrics.SetActiveBuckets(stats.ActiveKeys)
			if removed > 0 {
				l.log.Debug().Int("removed", removed).Int("active", stats.ActiveKeys).Msg("swept idle buckets")
			}
		}
	}
}
