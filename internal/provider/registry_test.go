package provider

import (
	"context"
	"errors"
	"io"
	"testing"

	"copilot-gateway/internal/models"
	"copilot-gateway/internal/translator"
)

type stubProvider struct {
	name   string
	models []string
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) ListModels(context.Context) ([]models.Model, error) {
	out := make([]models.Model, 0, len(s.models))
	for _, id := range s.models {
		out = append(out, models.Model{ID: id, Provider: s.name, Upstream: id})
	}
	return out, nil
}

func (stubProvider) Chat(context.Context, *translator.UpstreamRequest, CallOptions) ([]byte, error) {
	return nil, nil
}

func (stubProvider) ChatStream(context.Context, *translator.UpstreamRequest, CallOptions) (io.ReadCloser, error) {
	return nil, nil
}

func (stubProvider) Relay(context.Context, string, string, []byte) (*RelayResponse, error) {
	return nil, nil
}

func TestRegistryResolvesModelsAndAliases(t *testing.T) {
	r := NewRegistry()
	p := stubProvider{name: "copilot", models: []string{"gpt-4o", "claude-sonnet-4"}}
	if err := r.RegisterProvider(context.Background(), p, map[string]string{"sonnet": "claude-sonnet-4"}); err != nil {
		t.Fatal(err)
	}

	model, got, err := r.LookupModel("sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "copilot" || model.Upstream != "claude-sonnet-4" {
		t.Errorf("alias resolved to %+v via %s", model, got.Name())
	}

	if _, _, err := r.LookupModel("o3"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("unknown model err = %v", err)
	}
	if def, ok := r.Default(); !ok || def.Name() != "copilot" {
		t.Error("single provider should be the default")
	}
}

func TestRegistryRejectsBadAliases(t *testing.T) {
	r := NewRegistry()
	p := stubProvider{name: "copilot", models: []string{"gpt-4o"}}
	if err := r.RegisterProvider(context.Background(), p, map[string]string{"fast": "gpt-5"}); err == nil {
		t.Error("alias to an unlisted model accepted")
	}

	r = NewRegistry()
	if err := r.RegisterProvider(context.Background(), p, map[string]string{"gpt-4o": "gpt-4o"}); err == nil {
		t.Error("alias shadowing a model accepted")
	}
}

func TestRegistryFallbackPassesModelsThrough(t *testing.T) {
	r := NewRegistry()
	p := stubProvider{name: "copilot"}
	if err := r.RegisterProvider(context.Background(), p, map[string]string{"fast": "gpt-4o-mini"}); err != nil {
		t.Fatal(err)
	}

	model, got, err := r.LookupModel("anything-new")
	if err != nil || got.Name() != "copilot" || model.Upstream != "anything-new" {
		t.Errorf("fallback = %+v, %v", model, err)
	}
	model, _, _ = r.LookupModel("fast")
	if model.Upstream != "gpt-4o-mini" {
		t.Errorf("alias upstream = %q", model.Upstream)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	if err := r.RegisterProvider(ctx, stubProvider{name: "a", models: []string{"m"}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterProvider(ctx, stubProvider{name: "b", models: []string{"m"}}, nil); !errors.Is(err, ErrDuplicateModel) {
		t.Errorf("err = %v", err)
	}
	if err := r.RegisterProvider(ctx, stubProvider{name: "a"}, nil); err == nil {
		t.Error("duplicate provider name accepted")
	}
}
