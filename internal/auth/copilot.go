package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"copilot-gateway/internal/apierror"
)

// DefaultTokenURL is GitHub's Copilot token exchange endpoint.
const DefaultTokenURL = "https://api.github.com/copilot_internal/v2/token"

// ErrNoRefreshHandle is returned when no GitHub OAuth token is configured.
var ErrNoRefreshHandle = errors.New("no github oauth token configured")

// CopilotRefresher exchanges a GitHub OAuth token for a short-lived Copilot
// API token.
type CopilotRefresher struct {
	TokenURL  string
	UserAgent string
	Client    *http.Client
}

// NewCopilotRefresher returns a refresher for tokenURL, defaulting to the
// public endpoint.
func NewCopilotRefresher(tokenURL string, client *http.Client) *CopilotRefresher {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CopilotRefresher{TokenURL: tokenURL, UserAgent: "GitHubCopilotChat/0.26.3", Client: client}
}

type copilotTokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt json.Number `json:"expires_at"`
	RefreshIn int64       `json:"refresh_in"`
	SKU       string      `json:"sku"`
}

// Refresh performs the exchange. Failures are *apierror.UpstreamError so the
// manager can tell transient statuses from rejected credentials.
func (r *CopilotRefresher) Refresh(ctx context.Context, handle string) (Token, error) {
	if handle == "" {
		return Token{}, ErrNoRefreshHandle
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.TokenURL, nil)
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+handle)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return Token{}, &apierror.UpstreamError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, &apierror.UpstreamError{Op: "token exchange", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &apierror.UpstreamError{Op: "token exchange", Status: resp.StatusCode, Body: string(body)}
	}

	var payload copilotTokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return Token{}, errors.New("token response missing token")
	}

	expires, err := parseExpiry(payload.ExpiresAt, payload.Token)
	if err != nil {
		return Token{}, err
	}

	tier := payload.SKU
	if tier == "" {
		tier = tokenField(payload.Token, "sku")
	}

	return Token{
		AccessToken:   payload.Token,
		ExpiresAt:     expires,
		RefreshHandle: handle,
		Tier:          tier,
		RefreshIn:     time.Duration(payload.RefreshIn) * time.Second,
	}, nil
}

// parseExpiry reads expires_at, falling back to the exp= field embedded in
// the token string.
func parseExpiry(n json.Number, token string) (time.Time, error) {
	raw := n.String()
	if raw == "" {
		raw = tokenField(token, "exp")
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, fmt.Errorf("token response has no usable expiry %q", raw)
	}
	return time.Unix(secs, 0), nil
}
