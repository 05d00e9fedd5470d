package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/metrics"
	providerfactory "copilot-gateway/internal/provider/factory"
	"copilot-gateway/internal/tokenstore"
)

// loadConfig reads an optional .env file into the environment, then the YAML
// configuration with environment overrides applied.
func loadConfig(path, envFile string) (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return config.Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}
	return config.Load(path)
}

// newLogger configures the global zerolog level and returns the root logger.
func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Str("service", "copilot-gateway").Logger()
	log.Logger = logger
	return logger, nil
}

// newTokenManager opens the configured token store and builds the process's
// single token manager around it. The returned function closes the store.
func newTokenManager(ctx context.Context, cfg config.Config, logger zerolog.Logger, m *metrics.Metrics) (*auth.Manager, func(), error) {
	store, closeStore, err := tokenstore.Open(ctx, cfg.TokenStore, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open token store: %w", err)
	}

	cp := cfg.Copilot
	refresher := auth.NewCopilotRefresher(cp.TokenURL, providerfactory.NewHTTPClient(cp.RefreshTimeout))
	refresher.UserAgent = cp.UserAgent

	if cp.OAuthToken == "" {
		logger.Warn().Msg("no GitHub OAuth token configured; only a stored Copilot token can be used")
	}

	manager := auth.NewManager(refresher, store, cp.OAuthToken, auth.Options{
		Margin:         cp.RefreshMargin,
		RefreshTimeout: cp.RefreshTimeout,
		MaxAttempts:    cp.RefreshAttempts,
		BaseBackoff:    cp.RefreshBackoff,
		MaxBackoff:     cp.RefreshMaxBackoff,
		Logger:         logger,
		Metrics:        m,
	})
	return manager, closeStore, nil
}
