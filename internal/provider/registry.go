package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"copilot-gateway/internal/models"
	"copilot-gateway/internal/translator"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// CallOptions carries per-request facts the backend wants as headers.
type CallOptions struct {
	RequestID string
	Vision    bool
}

// RelayResponse is an upstream reply passed back to the caller untouched.
type RelayResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Provider defines the behaviour required of a chat backend.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	// Chat performs a non-streaming completion and returns the raw response body.
	Chat(ctx context.Context, req *translator.UpstreamRequest, opts CallOptions) ([]byte, error)
	// ChatStream opens a streaming completion. The caller owns the body.
	ChatStream(ctx context.Context, req *translator.UpstreamRequest, opts CallOptions) (io.ReadCloser, error)
	// Relay forwards an opaque request, such as a model listing or embeddings.
	Relay(ctx context.Context, method, path string, body []byte) (*RelayResponse, error)
}

type modelEntry struct {
	model    models.Model
	provider Provider
}

// Registry maintains a mapping of model IDs to providers.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]modelEntry
	byName   map[string]Provider
	fallback Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
// A provider that lists no models becomes the fallback for any model id.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	modelsList, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for provider %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p

	if len(modelsList) == 0 {
		if r.fallback != nil {
			return fmt.Errorf("provider %q: fallback already set to %q", p.Name(), r.fallback.Name())
		}
		r.fallback = p
	}

	for _, model := range modelsList {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}

		r.models[model.ID] = modelEntry{
			model:    model,
			provider: p,
		}
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := r.models[target]
		if !ok {
			if len(modelsList) > 0 {
				return fmt.Errorf("alias %q references unknown model %q", alias, target)
			}
			targetEntry = modelEntry{
				model:    models.Model{ID: alias, Provider: p.Name(), Upstream: target},
				provider: p,
			}
		}

		r.models[alias] = targetEntry
	}

	return nil
}

// LookupModel returns the provider and metadata for a given model ID.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		if r.fallback != nil {
			return models.Model{ID: modelID, Provider: r.fallback.Name(), Upstream: modelID}, r.fallback, nil
		}
		return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.provider, nil
}

// Provider returns a registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Default returns the provider used for requests not bound to a model, such
// as model listings. It is the fallback when set, otherwise the only provider.
func (r *Registry) Default() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback != nil {
		return r.fallback, true
	}
	if len(r.byName) == 1 {
		for _, p := range r.byName {
			return p, true
		}
	}
	return nil, false
}
