package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"copilot-gateway/internal/config"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/provider"
	copilotProvider "copilot-gateway/internal/provider/copilot"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Deps are the shared collaborators providers need.
type Deps struct {
	Tokens  copilotProvider.TokenSource
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry, deps Deps) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	cp := cfg.Copilot
	copilot, err := copilotProvider.New("copilot", copilotProvider.Options{
		BaseURL:       cp.BaseURL,
		EditorVersion: cp.EditorVersion,
		PluginVersion: cp.PluginVersion,
		IntegrationID: cp.IntegrationID,
		UserAgent:     cp.UserAgent,
		APIVersion:    cp.APIVersion,
		Headers:       cp.Headers,
		Models:        cp.Models,
		Attempts:      cp.UpstreamAttempts,
		Backoff:       cp.UpstreamBackoff,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
	}, deps.Tokens, NewHTTPClient(cp.Timeout))
	if err != nil {
		return fmt.Errorf("initialise copilot provider: %w", err)
	}
	if err := registry.RegisterProvider(ctx, copilot, cp.Aliases); err != nil {
		return fmt.Errorf("register copilot provider: %w", err)
	}
	return nil
}

// NewHTTPClient builds the pooled client used for backend and token calls.
// The timeout bounds whole exchanges, streams included, so it should exceed
// the longest expected completion.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
