package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/backoff"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/translator"
)

const (
	contentTypeJSON = "application/json"
	chatPath        = "/chat/completions"
	maxErrorBody    = 64 * 1024
	maxBackoff      = 5 * time.Second
)

// TokenSource supplies the short-lived backend credential.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (auth.Token, error)
	Invalidate(accessToken string)
}

// Options configures the Copilot client identity and retry policy.
type Options struct {
	BaseURL       string
	EditorVersion string
	PluginVersion string
	IntegrationID string
	UserAgent     string
	APIVersion    string
	Headers       map[string]string
	Models        []string

	// Attempts bounds non-streaming chat calls; streams are never retried.
	Attempts int
	Backoff  time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Provider implements provider.Provider against the GitHub Copilot chat API.
type Provider struct {
	name    string
	baseURL string
	opts    Options
	tokens  TokenSource
	client  *http.Client
	models  []models.Model
	log     zerolog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Copilot provider.
func New(name string, opts Options, tokens TokenSource, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("token source must not be nil")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = backoff.Sleep
	}

	modelsList := make([]models.Model, 0, len(opts.Models))
	for _, id := range opts.Models {
		modelsList = append(modelsList, models.Model{ID: id, Provider: name, Upstream: id})
	}

	return &Provider{
		name:    name,
		baseURL: baseURL,
		opts:    opts,
		tokens:  tokens,
		client:  client,
		models:  modelsList,
		log:     opts.Logger.With().Str("component", "provider").Str("provider", name).Logger(),
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

// Chat sends a non-streaming completion. Transport failures, 5xx and 429
// answers are retried with bounded exponential backoff.
func (p *Provider) Chat(ctx context.Context, req *translator.UpstreamRequest, call provider.CallOptions) ([]byte, error) {
	payload := *req
	payload.Stream = false
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		if attempt > 1 {
			wait := backoff.Policy{Base: p.opts.Backoff, Max: maxBackoff}.Delay(attempt - 1)
			p.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying chat completion")
			if err := p.opts.Sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}

		data, err := p.chatOnce(ctx, body, call, initiator(req.Messages))
		if err == nil {
			return data, nil
		}
		lastErr = err

		var upstream *apierror.UpstreamError
		if !errors.As(err, &upstream) || !upstream.Retryable() || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *Provider) chatOnce(ctx context.Context, body []byte, call provider.CallOptions, initiator string) ([]byte, error) {
	resp, tok, err := p.do(ctx, http.MethodPost, chatPath, body, call, initiator, "chat")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, p.statusError(resp, tok, "copilot chat")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierror.UpstreamError{Op: "copilot chat", Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}

// ChatStream opens a streaming completion and hands the SSE body to the
// caller. It is never retried: once bytes may have reached a caller a
// replay could duplicate output.
func (p *Provider) ChatStream(ctx context.Context, req *translator.UpstreamRequest, call provider.CallOptions) (io.ReadCloser, error) {
	payload := *req
	payload.Stream = true
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, tok, err := p.do(ctx, http.MethodPost, chatPath, body, call, initiator(req.Messages), "chat_stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.statusError(resp, tok, "copilot chat stream")
	}
	return resp.Body, nil
}

// Relay forwards an opaque request with the backend credential and returns
// the upstream status and body as received.
func (p *Provider) Relay(ctx context.Context, method, path string, body []byte) (*provider.RelayResponse, error) {
	resp, tok, err := p.do(ctx, method, path, body, provider.CallOptions{}, "user", "relay")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		p.tokens.Invalidate(tok.AccessToken)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierror.UpstreamError{Op: "copilot relay " + path, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	header := make(http.Header)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	return &provider.RelayResponse{Status: resp.StatusCode, Header: header, Body: data}, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body []byte, call provider.CallOptions, initiator, op string) (*http.Response, auth.Token, error) {
	tok, err := p.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, auth.Token{}, err
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, tok, fmt.Errorf("construct request: %w", err)
	}
	p.setHeaders(req, tok, call, initiator)

	start := time.Now()
	resp, err := p.client.Do(req)
	p.opts.Metrics.ObserveUpstream(op, time.Since(start))
	if err != nil {
		return nil, tok, &apierror.UpstreamError{Op: "copilot " + op, Err: err}
	}
	return resp, tok, nil
}

func (p *Provider) setHeaders(req *http.Request, tok auth.Token, call provider.CallOptions, initiator string) {
	requestID := call.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Editor-Version", p.opts.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", p.opts.PluginVersion)
	req.Header.Set("Copilot-Integration-Id", p.opts.IntegrationID)
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Openai-Intent", "conversation-agent")
	req.Header.Set("X-Github-Api-Version", p.opts.APIVersion)
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("X-Initiator", initiator)
	if call.Vision {
		req.Header.Set("Copilot-Vision-Request", "true")
	}

	for k, v := range p.opts.Headers {
		req.Header.Set(k, v)
	}
}

// statusError converts a non-2xx answer. A 401 means the backend rejected a
// token we believed valid, so it is dropped before reporting.
func (p *Provider) statusError(resp *http.Response, tok auth.Token, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	upstream := &apierror.UpstreamError{Op: op, Status: resp.StatusCode, Body: errorMessage(body)}

	if resp.StatusCode == http.StatusUnauthorized {
		p.tokens.Invalidate(tok.AccessToken)
		p.log.Warn().Int("status", resp.StatusCode).Msg("backend rejected token, invalidated")
		return &apierror.AuthError{Op: op, Err: upstream}
	}
	return upstream
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// initiator tells the backend whether a human or an agent loop produced the
// latest turn.
func initiator(messages []translator.ChatMessage) string {
	if len(messages) == 0 {
		return "user"
	}
	switch messages[len(messages)-1].Role {
	case "assistant", "tool":
		return "agent"
	default:
		return "user"
	}
}
