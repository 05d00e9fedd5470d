// Package auth owns the Copilot backend credential: acquisition, proactive
// refresh, and persistence through a Store.
package auth

import (
	"context"
	"strings"
	"time"
)

// Token is the backend credential record.
type Token struct {
	AccessToken   string        `json:"access_token"`
	ExpiresAt     time.Time     `json:"expires_at"`
	RefreshHandle string        `json:"refresh_handle"`
	Tier          string        `json:"tier,omitempty"`
	RefreshIn     time.Duration `json:"refresh_in,omitempty"`
}

// ValidAt reports whether the token may still be handed out at now.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// Masked returns the access token with all but its first characters hidden.
func (t Token) Masked() string {
	return mask(t.AccessToken)
}

func mask(s string) string {
	const keep = 8
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + "..." + strings.Repeat("*", 4)
}

// Store persists the token record. Get returns (nil, nil) when nothing is stored.
type Store interface {
	Get(ctx context.Context) (*Token, error)
	Set(ctx context.Context, tok Token) error
}

// Refresher exchanges a refresh handle for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, handle string) (Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, handle string) (Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, handle string) (Token, error) {
	return f(ctx, handle)
}

// tokenField extracts key from a "k1=v1;k2=v2" Copilot token string.
func tokenField(token, key string) string {
	for _, part := range strings.Split(token, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}
