package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/callerauth"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/ratelimit"
	"copilot-gateway/internal/router"
	"copilot-gateway/internal/translator"
)

type stubBackend struct {
	reply  string
	stream string
	err    error
}

func (stubBackend) Name() string { return "copilot" }

func (stubBackend) ListModels(context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "gpt-4o", Provider: "copilot", Upstream: "gpt-4o"}}, nil
}

func (b stubBackend) Chat(context.Context, *translator.UpstreamRequest, provider.CallOptions) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []byte(b.reply), nil
}

func (b stubBackend) ChatStream(context.Context, *translator.UpstreamRequest, provider.CallOptions) (io.ReadCloser, error) {
	if b.err != nil {
		return nil, b.err
	}
	return io.NopCloser(strings.NewReader(b.stream)), nil
}

func (stubBackend) Relay(_ context.Context, method, path string, body []byte) (*provider.RelayResponse, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &provider.RelayResponse{Status: http.StatusOK, Header: h, Body: []byte(`{"object":"list","data":[{"id":"gpt-4o"}]}`)}, nil
}

type fixedStatus struct{}

func (fixedStatus) Status() auth.Status {
	return auth.Status{State: "valid", Token: "tid=…"}
}

const adminToken = "admin-secret"

var asAdmin = map[string]string{"Authorization": "Bearer " + adminToken}

type harness struct {
	srv     *Server
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, backend stubBackend, mutate func(*config.Config)) harness {
	t.Helper()
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Server.Admin = true
	cfg.Server.AdminToken = adminToken
	cfg.Server.Metrics = true
	if mutate != nil {
		mutate(&cfg)
	}

	registry := provider.NewRegistry()
	if err := registry.RegisterProvider(context.Background(), backend, nil); err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	limiter := ratelimit.New(ratelimit.Options{Interval: cfg.RateLimit.Interval, Burst: cfg.RateLimit.Burst, Metrics: m})
	rt, err := router.New(registry, router.Options{Limiter: limiter, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(cfg, rt, Options{Callers: callerauth.New(cfg.Callers), Tokens: fixedStatus{}, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return harness{srv: srv, limiter: limiter, metrics: m}
}

func (h harness) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

const chatReply = `{"id":"chatcmpl-1","model":"gpt-4o","created":1700000000,
	"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}]}`

func TestChatCompletions(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, nil)

	for _, path := range []string{"/v1/chat/completions", "/chat/completions"} {
		rec := h.do(http.MethodPost, path, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d body=%s", path, rec.Code, rec.Body)
		}
		var resp translator.ChatCompletionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Object != "chat.completion" || resp.Choices[0].Message.Content != "Hello" {
			t.Errorf("%s: response = %s", path, rec.Body)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("%s: missing X-Request-Id", path)
		}
	}
}

func TestErrorBodiesFollowProtocol(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, nil)

	rec := h.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("openai status = %d", rec.Code)
	}
	var oa errorBody
	json.Unmarshal(rec.Body.Bytes(), &oa)
	if oa.Error.Type != "invalid_request_error" || oa.Error.Code != "model" || oa.Error.Message == "" {
		t.Errorf("openai body = %s", rec.Body)
	}

	rec = h.do(http.MethodPost, "/v1/messages", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("anthropic status = %d", rec.Code)
	}
	var an anthropicErrorBody
	json.Unmarshal(rec.Body.Bytes(), &an)
	if an.Type != "error" || an.Error.Type != "invalid_request_error" || an.Error.Message != "max_tokens required" {
		t.Errorf("anthropic body = %s", rec.Body)
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	h := newHarness(t, stubBackend{}, nil)
	rec := h.do(http.MethodPost, "/v1/chat/completions", "", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "request body is required") {
		t.Errorf("status = %d body=%s", rec.Code, rec.Body)
	}
}

func TestUpstreamFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, stubBackend{err: &apierror.UpstreamError{Op: "chat", Status: http.StatusInternalServerError}}, nil)
	rec := h.do(http.MethodPost, "/v1/messages", `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var an anthropicErrorBody
	json.Unmarshal(rec.Body.Bytes(), &an)
	if an.Error.Type != "api_error" {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 1
		cfg.RateLimit.Interval = time.Minute
	})
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

	if rec := h.do(http.MethodPost, "/v1/chat/completions", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q", got)
	}
	var oa errorBody
	json.Unmarshal(rec.Body.Bytes(), &oa)
	if oa.Error.Type != "rate_limit_error" {
		t.Errorf("body = %s", rec.Body)
	}

	stats := h.do(http.MethodGet, "/admin/ratelimit", "", asAdmin)
	if stats.Code != http.StatusOK || !strings.Contains(stats.Body.String(), `"active_keys":1`) {
		t.Errorf("stats = %d %s", stats.Code, stats.Body)
	}
	if rec := h.do(http.MethodDelete, "/admin/ratelimit/ip:192.0.2.1", "", asAdmin); rec.Code != http.StatusNoContent {
		t.Errorf("reset status = %d body=%s", rec.Code, rec.Body)
	}
	if rec := h.do(http.MethodDelete, "/admin/ratelimit/ip:192.0.2.1", "", asAdmin); rec.Code != http.StatusNotFound {
		t.Errorf("second reset status = %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/chat/completions", body, nil); rec.Code != http.StatusOK {
		t.Errorf("after reset status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, func(cfg *config.Config) {
		cfg.Callers.APIKeys = []string{"sk-caller"}
		cfg.RateLimit.Burst = 1
		cfg.RateLimit.Interval = time.Hour
	})
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	asCaller := map[string]string{"Authorization": "Bearer sk-caller"}
	sum := sha256.Sum256([]byte("sk-caller"))
	bucket := "/admin/ratelimit/key:" + hex.EncodeToString(sum[:])[:16]

	if rec := h.do(http.MethodPost, "/v1/chat/completions", body, asCaller); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d body=%s", rec.Code, rec.Body)
	}

	for _, tt := range []struct {
		method, path string
		header       map[string]string
		want         int
	}{
		{http.MethodGet, "/admin/ratelimit", nil, http.StatusUnauthorized},
		{http.MethodDelete, bucket, nil, http.StatusUnauthorized},
		{http.MethodGet, "/admin/ratelimit", asCaller, http.StatusForbidden},
		{http.MethodDelete, bucket, asCaller, http.StatusForbidden},
		{http.MethodDelete, bucket, map[string]string{"X-Api-Key": "sk-caller"}, http.StatusForbidden},
	} {
		if rec := h.do(tt.method, tt.path, "", tt.header); rec.Code != tt.want {
			t.Errorf("%s %s with %v = %d, want %d", tt.method, tt.path, tt.header, rec.Code, tt.want)
		}
	}
	if rec := h.do(http.MethodPost, "/v1/chat/completions", body, asCaller); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("caller bypassed its bucket: status = %d", rec.Code)
	}

	if rec := h.do(http.MethodGet, "/admin/ratelimit", "", asAdmin); rec.Code != http.StatusOK {
		t.Errorf("admin stats = %d %s", rec.Code, rec.Body)
	}
	if rec := h.do(http.MethodDelete, bucket, "", map[string]string{"X-Api-Key": adminToken}); rec.Code != http.StatusNoContent {
		t.Errorf("admin reset = %d %s", rec.Code, rec.Body)
	}
	if rec := h.do(http.MethodPost, "/v1/chat/completions", body, asCaller); rec.Code != http.StatusOK {
		t.Errorf("after admin reset status = %d", rec.Code)
	}
}

func TestAdminRequiresConfiguredToken(t *testing.T) {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Server.Admin = true

	registry := provider.NewRegistry()
	rt, err := router.New(registry, router.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, rt, Options{}); err == nil || !strings.Contains(err.Error(), "admin_token") {
		t.Errorf("New err = %v, want admin_token error", err)
	}
}

func TestCallerCredentials(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, func(cfg *config.Config) {
		cfg.Callers.APIKeys = []string{"sk-test"}
	})
	body := `{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`

	rec := h.do(http.MethodPost, "/v1/messages", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credential status = %d", rec.Code)
	}
	var an anthropicErrorBody
	json.Unmarshal(rec.Body.Bytes(), &an)
	if an.Error.Type != "authentication_error" {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := h.do(http.MethodPost, "/v1/messages", body, map[string]string{"X-Api-Key": "sk-test"}); rec.Code != http.StatusOK {
		t.Errorf("x-api-key status = %d body=%s", rec.Code, rec.Body)
	}
	if rec := h.do(http.MethodPost, "/v1/messages", body, map[string]string{"Authorization": "Bearer sk-test"}); rec.Code != http.StatusOK {
		t.Errorf("bearer status = %d body=%s", rec.Code, rec.Body)
	}
	if rec := h.do(http.MethodGet, "/admin/ratelimit", "", map[string]string{"X-Api-Key": "sk-test"}); rec.Code != http.StatusForbidden {
		t.Errorf("admin with caller key status = %d", rec.Code)
	}
}

func TestAnthropicStreaming(t *testing.T) {
	stream := "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	h := newHarness(t, stubBackend{stream: stream}, nil)

	rec := h.do(http.MethodPost, "/v1/messages", `{"model":"gpt-4o","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	start := strings.Index(body, "event: message_start\n")
	delta := strings.Index(body, `"text":"Hi"`)
	stop := strings.Index(body, "event: message_stop\n")
	if start < 0 || delta < start || stop < delta {
		t.Errorf("stream body out of order:\n%s", body)
	}
}

func TestOpenAIStreamingEndsWithDone(t *testing.T) {
	stream := "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"stop\"}]}\n\n"
	h := newHarness(t, stubBackend{stream: stream}, nil)

	rec := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestCountTokensEndpoint(t *testing.T) {
	h := newHarness(t, stubBackend{}, nil)
	rec := h.do(http.MethodPost, "/v1/messages/count_tokens", `{"model":"gpt-4o","messages":[{"role":"user","content":"count me"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var got router.TokenCount
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.InputTokens <= 0 {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestRelayEndpoints(t *testing.T) {
	h := newHarness(t, stubBackend{}, nil)

	for _, path := range []string{"/v1/models", "/models"} {
		rec := h.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"gpt-4o"`) {
			t.Errorf("%s = %d %s", path, rec.Code, rec.Body)
		}
	}

	rec := h.do(http.MethodPost, "/v1/embeddings", `{"model":"gpt-4o"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("embeddings without input = %d", rec.Code)
	}
	rec = h.do(http.MethodPost, "/embeddings", `{"model":"gpt-4o","input":"x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("embeddings = %d %s", rec.Code, rec.Body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, stubBackend{reply: chatReply}, nil)

	rec := h.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"valid"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}

	h.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	rec = h.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `copilot_gateway_requests_total{protocol="openai",status="2xx"} 1`) {
		t.Errorf("metrics = %d\n%s", rec.Code, rec.Body)
	}
}

func TestAdminRoutesOffByDefault(t *testing.T) {
	h := newHarness(t, stubBackend{}, func(cfg *config.Config) {
		cfg.Server.Admin = false
		cfg.Server.Metrics = false
	})
	if rec := h.do(http.MethodGet, "/admin/ratelimit", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("admin status = %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
