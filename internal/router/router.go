// Package router runs one gateway request end to end: admission, parsing,
// model resolution, the upstream call and translation of the reply.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/callerauth"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/ratelimit"
	"copilot-gateway/internal/stream"
	"copilot-gateway/internal/tokenizer"
	"copilot-gateway/internal/translator"
)

// Reply is the outcome of Complete. Exactly one of Object and Stream is set.
type Reply struct {
	RequestID string
	Model     string
	// Object is the protocol-shaped response for non-streaming requests.
	Object any
	// Stream is the live session for streaming requests. It must be drained.
	Stream *stream.Session
}

// Options wires a Router's collaborators. A nil Limiter admits everything.
type Options struct {
	Limiter *ratelimit.Limiter
	Engine  *stream.Engine
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Router dispatches requests to the provider serving their model.
type Router struct {
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	engine   *stream.Engine
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, opts Options) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	engine := opts.Engine
	if engine == nil {
		engine = stream.NewEngine(stream.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Router{
		registry: registry,
		limiter:  opts.Limiter,
		engine:   engine,
		log:      opts.Logger.With().Str("component", "router").Logger(),
		metrics:  opts.Metrics,
	}, nil
}

// Limiter returns the limiter in use, or nil when limiting is disabled.
func (r *Router) Limiter() *ratelimit.Limiter {
	return r.limiter
}

// Complete admits, translates and forwards one completion request in the
// given protocol. Streaming requests return as soon as the upstream accepted
// the call; the session then owns the upstream body.
func (r *Router) Complete(ctx context.Context, caller callerauth.Caller, raw []byte, proto models.Protocol) (*Reply, error) {
	if err := r.admit(caller); err != nil {
		return nil, err
	}

	env, err := translator.ParseRequest(raw, proto)
	if err != nil {
		return nil, err
	}
	env.RequestID = uuid.NewString()

	modelInfo, p, err := r.resolve(env.Model)
	if err != nil {
		return nil, err
	}

	payload, err := translator.BuildUpstreamPayload(env)
	if err != nil {
		return nil, err
	}
	payload.Model = modelInfo.Upstream

	call := provider.CallOptions{RequestID: env.RequestID, Vision: env.Vision}
	log := r.log.With().
		Str("request_id", env.RequestID).
		Str("caller", caller.Key).
		Str("model", env.Model).
		Str("upstream_model", modelInfo.Upstream).
		Bool("stream", env.Stream).
		Logger()
	log.Debug().Int("messages", len(env.Messages)).Int("tools", len(env.Tools)).Msg("dispatching")

	if env.Stream {
		body, err := p.ChatStream(ctx, payload, call)
		if err != nil {
			return nil, fmt.Errorf("provider %s stream request: %w", p.Name(), err)
		}
		sess, err := r.engine.Start(ctx, body, env, proto)
		if err != nil {
			body.Close()
			return nil, err
		}
		return &Reply{RequestID: env.RequestID, Model: env.Model, Stream: sess}, nil
	}

	data, err := p.Chat(ctx, payload, call)
	if err != nil {
		return nil, fmt.Errorf("provider %s chat request: %w", p.Name(), err)
	}
	result, err := translator.MapUpstreamResponse(data, env)
	if err != nil {
		return nil, err
	}
	obj, err := translator.SerializeResponse(result, proto)
	if err != nil {
		return nil, err
	}

	r.metrics.ObserveUsage(result.Usage.InputTokens, result.Usage.OutputTokens)
	log.Debug().
		Int("input_tokens", result.Usage.InputTokens).
		Int("output_tokens", result.Usage.OutputTokens).
		Str("finish", string(result.FinishReason)).
		Msg("completed")
	return &Reply{RequestID: env.RequestID, Model: env.Model, Object: obj}, nil
}

// TokenCount is the body of an Anthropic count_tokens response.
type TokenCount struct {
	InputTokens int `json:"input_tokens"`
}

// CountTokens counts the prompt of an Anthropic messages body with the same
// tokenizer that reports usage. It is not rate limited and never calls the
// backend.
func (r *Router) CountTokens(raw []byte) (TokenCount, error) {
	env, err := translator.ParseCountRequest(raw)
	if err != nil {
		return TokenCount{}, err
	}
	return TokenCount{InputTokens: tokenizer.CountEnvelope(env)}, nil
}

// Models relays the backend model list.
func (r *Router) Models(ctx context.Context, caller callerauth.Caller) (*provider.RelayResponse, error) {
	if err := r.admit(caller); err != nil {
		return nil, err
	}
	p, ok := r.registry.Default()
	if !ok {
		return nil, errors.New("no provider registered")
	}
	resp, err := p.Relay(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s models request: %w", p.Name(), err)
	}
	return resp, nil
}

// Embeddings relays an embeddings request after checking it names a model
// and an input. Aliases are resolved; the rest of the body is passed through.
func (r *Router) Embeddings(ctx context.Context, caller callerauth.Caller, raw []byte) (*provider.RelayResponse, error) {
	if err := r.admit(caller); err != nil {
		return nil, err
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, apierror.Validation("body", "invalid request body: %v", err)
	}
	var model string
	if err := json.Unmarshal(body["model"], &model); err != nil || strings.TrimSpace(model) == "" {
		return nil, apierror.Validation("model", "model must be provided")
	}
	if input, ok := body["input"]; !ok || isEmptyJSON(input) {
		return nil, apierror.Validation("input", "input must be provided")
	}

	modelInfo, p, err := r.resolve(model)
	if err != nil {
		return nil, err
	}
	if modelInfo.Upstream != model {
		body["model"], _ = json.Marshal(modelInfo.Upstream)
		if raw, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode embeddings request: %w", err)
		}
	}

	resp, err := p.Relay(ctx, http.MethodPost, "/embeddings", raw)
	if err != nil {
		return nil, fmt.Errorf("provider %s embeddings request: %w", p.Name(), err)
	}
	return resp, nil
}

func (r *Router) admit(caller callerauth.Caller) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.AllowWith(caller.Key, caller.Limits.Interval, caller.Limits.Burst)
}

func (r *Router) resolve(model string) (models.Model, provider.Provider, error) {
	modelInfo, p, err := r.registry.LookupModel(model)
	if errors.Is(err, provider.ErrUnknownModel) {
		return models.Model{}, nil, apierror.Validation("model", "model %q is not available", model)
	}
	if err != nil {
		return models.Model{}, nil, err
	}
	if modelInfo.Upstream == "" {
		modelInfo.Upstream = modelInfo.ID
	}
	return modelInfo, p, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "[]":
		return true
	}
	return false
}
