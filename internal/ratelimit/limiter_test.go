package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"copilot-gateway/internal/apierror"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(c *clock) *Limiter {
	return New(Options{Interval: 10 * time.Second, Burst: 3, IdleTTL: time.Hour, Now: c.Now})
}

func TestBurstThenLinearRefill(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	for i := 0; i < 3; i++ {
		if !l.CheckAndConsume("alice", 10*time.Second, 3) {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
	}
	if l.CheckAndConsume("alice", 10*time.Second, 3) {
		t.Fatal("4th call admitted, want rejected")
	}

	c.Advance(10 * time.Second)
	if !l.CheckAndConsume("alice", 10*time.Second, 3) {
		t.Fatal("call after refill rejected")
	}
	if l.CheckAndConsume("alice", 10*time.Second, 3) {
		t.Fatal("second call after one interval admitted")
	}

	c.Advance(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		if l.CheckAndConsume("alice", 10*time.Second, 3) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("admitted after long idle = %d, want capped at 3", admitted)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	for i := 0; i < 3; i++ {
		l.CheckAndConsume("alice", 10*time.Second, 3)
	}
	if !l.CheckAndConsume("bob", 10*time.Second, 3) {
		t.Error("bob rejected by alice's usage")
	}
}

func TestAllowReturnsRetryAfter(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	for i := 0; i < 3; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	c.Advance(4 * time.Second)

	err := l.Allow("k")
	var limited *apierror.RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if limited.Key != "k" {
		t.Errorf("key = %q", limited.Key)
	}
	if limited.RetryAfter < 5*time.Second || limited.RetryAfter > 6*time.Second {
		t.Errorf("retry after = %s, want about 6s", limited.RetryAfter)
	}
}

func TestStatsAndReset(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	for i := 0; i < 40; i++ {
		l.CheckAndConsume(fmt.Sprintf("key-%d", i), 10*time.Second, 3)
	}
	if got := l.Stats().ActiveKeys; got != 40 {
		t.Errorf("active keys = %d, want 40", got)
	}
	if !l.Reset("key-7") {
		t.Error("Reset of existing key returned false")
	}
	if l.Reset("key-7") {
		t.Error("second Reset returned true")
	}
	if got := l.Stats().ActiveKeys; got != 39 {
		t.Errorf("active keys after reset = %d, want 39", got)
	}
}

func TestSweepRemovesOnlyIdleBuckets(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	l.CheckAndConsume("idle", 10*time.Second, 3)
	c.Advance(50 * time.Minute)
	l.CheckAndConsume("busy", 10*time.Second, 3)
	c.Advance(20 * time.Minute)

	if removed := l.Sweep(c.Now()); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if l.Reset("idle") {
		t.Error("idle bucket survived sweep")
	}
	if !l.Reset("busy") {
		t.Error("busy bucket was swept")
	}
}

func TestSweepRacesWithConsume(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := New(Options{Interval: time.Millisecond, Burst: 1000, IdleTTL: time.Minute, Now: c.Now})

	l.CheckAndConsume("hot", time.Millisecond, 1000)
	c.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			l.CheckAndConsume("hot", time.Millisecond, 1000)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			l.Sweep(c.Now())
		}
	}()
	wg.Wait()

	// The final consume always happens after any sweep that could drop it,
	// so the key must be present and recently touched.
	l.CheckAndConsume("hot", time.Millisecond, 1000)
	if l.Sweep(c.Now()) != 0 {
		t.Error("sweep removed a bucket touched at the current instant")
	}
	if l.Stats().ActiveKeys != 1 {
		t.Errorf("active keys = %d, want 1", l.Stats().ActiveKeys)
	}
}
