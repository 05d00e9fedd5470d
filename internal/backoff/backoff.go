// Package backoff holds the capped exponential delay shared by token
// refreshes and upstream retries.
package backoff

import (
	"context"
	"time"
)

// Policy doubles Base on every retry and never waits longer than Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry n, counting from 1.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Base << (retry - 1)
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
