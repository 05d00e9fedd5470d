package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/backoff"
	"copilot-gateway/internal/metrics"
)

// State is the lifecycle state of the managed credential.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateValid
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const refreshKey = "copilot-token"

// ErrTokenTooShort is returned when an exchange yields a token that already
// falls inside the refresh margin.
var ErrTokenTooShort = errors.New("refreshed token expires within the refresh margin")

// Options tunes a Manager. Zero values take the defaults below.
type Options struct {
	// Margin is how long before expiry a token stops being handed out.
	Margin         time.Duration
	RefreshTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.Margin <= 0 {
		o.Margin = 60 * time.Second
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = backoff.Sleep
	}
}

// Manager hands out a valid backend token. Reads of a valid token are
// lock-free; at most one refresh runs at a time and concurrent callers share
// its result.
type Manager struct {
	refresher Refresher
	store     Store
	handle    string
	opts      Options
	log       zerolog.Logger

	current atomic.Pointer[Token]
	state   atomic.Int32
	group   singleflight.Group

	refreshes atomic.Int64
}

// NewManager builds a manager. handle is the GitHub OAuth token; it may be
// empty when the store already holds a record with a refresh handle.
func NewManager(refresher Refresher, store Store, handle string, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		refresher: refresher,
		store:     store,
		handle:    handle,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "token-manager").Logger(),
	}
}

// EnsureValidToken returns a token valid for at least the configured margin.
// Failures are *apierror.AuthError and are not retried by callers.
func (m *Manager) EnsureValidToken(ctx context.Context) (Token, error) {
	if tok := m.current.Load(); tok != nil && tok.ValidAt(m.opts.Now(), m.opts.Margin) {
		return *tok, nil
	}

	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, fmt.Errorf("ensure token: %w", ctx.Err())
	}
}

// refresh runs inside the single flight, detached from any one caller.
func (m *Manager) refresh() (Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
	defer cancel()

	cur := m.current.Load()
	if cur != nil && cur.ValidAt(m.opts.Now(), m.opts.Margin) {
		return *cur, nil
	}

	handle := m.handle
	if cur == nil {
		m.state.Store(int32(StateAuthenticating))
		if stored := m.loadStored(ctx); stored != nil {
			if stored.ValidAt(m.opts.Now(), m.opts.Margin) {
				m.adopt(stored)
				m.log.Info().Time("expires_at", stored.ExpiresAt).Msg("adopted stored token")
				return *stored, nil
			}
			if handle == "" {
				handle = stored.RefreshHandle
			}
		}
	} else {
		m.state.Store(int32(StateRefreshing))
		if handle == "" {
			handle = cur.RefreshHandle
		}
	}

	m.refreshes.Add(1)
	tok, err := m.exchange(ctx, handle)
	if err != nil {
		m.state.Store(int32(StateExpired))
		m.current.Store(nil)
		m.state.Store(int32(StateUnauthenticated))
		m.opts.Metrics.TokenRefreshed("failed")
		m.log.Error().Err(err).Msg("token refresh failed")
		return Token{}, &apierror.AuthError{Op: "refresh token", Err: err}
	}

	if !tok.ValidAt(m.opts.Now(), m.opts.Margin) {
		m.current.Store(nil)
		m.state.Store(int32(StateUnauthenticated))
		m.opts.Metrics.TokenRefreshed("failed")
		m.log.Error().Time("expires_at", tok.ExpiresAt).Dur("margin", m.opts.Margin).Msg("refreshed token expires within the refresh margin")
		return Token{}, &apierror.AuthError{Op: "refresh token", Err: ErrTokenTooShort}
	}

	if tok.RefreshHandle == "" {
		tok.RefreshHandle = handle
	}
	m.adopt(&tok)
	m.opts.Metrics.TokenRefreshed("ok")
	m.log.Info().Str("tier", tok.Tier).Time("expires_at", tok.ExpiresAt).Msg("token refreshed")

	if m.store != nil {
		if err := m.store.Set(ctx, tok); err != nil {
			m.log.Warn().Err(err).Msg("persist token")
		}
	}
	return tok, nil
}

func (m *Manager) adopt(tok *Token) {
	m.current.Store(tok)
	m.state.Store(int32(StateValid))
}

func (m *Manager) loadStored(ctx context.Context) *Token {
	if m.store == nil {
		return nil
	}
	tok, err := m.store.Get(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("load stored token")
		return nil
	}
	return tok
}

// exchange calls the refresher, retrying transient failures with capped
// exponential backoff.
func (m *Manager) exchange(ctx context.Context, handle string) (Token, error) {
	for attempt := 1; ; attempt++ {
		tok, err := m.refresher.Refresh(ctx, handle)
		if err == nil {
			return tok, nil
		}
		if !transient(err) || attempt >= m.opts.MaxAttempts {
			return Token{}, err
		}

		delay := backoff.Policy{Base: m.opts.BaseBackoff, Max: m.opts.MaxBackoff}.Delay(attempt)
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("token refresh attempt failed")
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return Token{}, err
		}
	}
}

func transient(err error) bool {
	var upstream *apierror.UpstreamError
	return errors.As(err, &upstream) && upstream.Retryable()
}

// Invalidate forces the next call to refresh when accessToken is still the
// current token. It is used when the backend rejects a credential.
func (m *Manager) Invalidate(accessToken string) {
	cur := m.current.Load()
	if cur == nil || cur.AccessToken != accessToken {
		return
	}
	stale := *cur
	stale.ExpiresAt = time.Time{}
	if m.current.CompareAndSwap(cur, &stale) {
		m.state.Store(int32(StateExpired))
		m.log.Warn().Msg("token invalidated by upstream rejection")
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	s := State(m.state.Load())
	if s == StateValid {
		if cur := m.current.Load(); cur == nil || !cur.ValidAt(m.opts.Now(), m.opts.Margin) {
			return StateExpired
		}
	}
	return s
}

// Status is a caller-safe snapshot of the manager.
type Status struct {
	State     string    `json:"state"`
	Tier      string    `json:"tier,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Token     string    `json:"token,omitempty"`
	Refreshes int64     `json:"refreshes"`
}

// Status returns a masked snapshot.
func (m *Manager) Status() Status {
	st := Status{State: m.State().String(), Refreshes: m.refreshes.Load()}
	if cur := m.current.Load(); cur != nil {
		st.Tier = cur.Tier
		st.ExpiresAt = cur.ExpiresAt
		st.Token = cur.Masked()
	}
	return st
}

// Refreshes returns how many token exchanges have been started.
func (m *Manager) Refreshes() int64 {
	return m.refreshes.Load()
}
