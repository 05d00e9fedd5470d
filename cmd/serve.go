package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"copilot-gateway/internal/callerauth"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/provider"
	providerfactory "copilot-gateway/internal/provider/factory"
	"copilot-gateway/internal/ratelimit"
	"copilot-gateway/internal/router"
	"copilot-gateway/internal/server"
	"copilot-gateway/internal/stream"
	"copilot-gateway/internal/tokenizer"
)

const serveUsage = `Usage:
  copilot-gateway serve --config <path> [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (required)
  --port     int      Override server port from configuration
  --env-file string   Load environment variables from this file first`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&envFile, "env-file", "", "path to a .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	if err := tokenizer.Load(); err != nil {
		return err
	}

	m := metrics.New()

	tokens, closeStore, err := newTokenManager(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeStore()

	var limiter *ratelimit.Limiter
	if !cfg.RateLimit.Disabled {
		limiter = ratelimit.New(ratelimit.Options{
			Interval:      cfg.RateLimit.Interval,
			Burst:         cfg.RateLimit.Burst,
			IdleTTL:       cfg.RateLimit.IdleTTL,
			SweepInterval: cfg.RateLimit.SweepInterval,
			Logger:        logger,
			Metrics:       m,
		})
		go limiter.Run(ctx)
	}

	engine := stream.NewEngine(stream.Options{
		GracePeriod: cfg.Stream.GracePeriod,
		Logger:      logger,
		Metrics:     m,
		OnTerminal: func(sum stream.Summary) {
			if sum.State == stream.StateFinished {
				m.ObserveUsage(sum.Usage.InputTokens, sum.Usage.OutputTokens)
			}
		},
	})

	registry := provider.NewRegistry()
	deps := providerfactory.Deps{Tokens: tokens, Logger: logger, Metrics: m}
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry, deps); err != nil {
		return err
	}

	rt, err := router.New(registry, router.Options{
		Limiter: limiter,
		Engine:  engine,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, server.Options{
		Callers: callerauth.New(cfg.Callers),
		Tokens:  tokens,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
