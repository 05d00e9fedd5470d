package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
)

const authUsage = `Usage:
  copilot-gateway auth --config <path> [--env-file <path>]

Exchanges the configured GitHub OAuth token for a Copilot token, stores it in
the configured token store and prints the masked result.

Flags:
  --config   string   Path to YAML configuration file (required)
  --env-file string   Load environment variables from this file first`

func authenticate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, authUsage)
	}

	var cfgPath, envFile string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&envFile, "env-file", "", "path to a .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse auth flags: %w", err)
	}
	if cfgPath == "" {
		return errors.New("auth command requires --config <path>")
	}

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	manager, closeStore, err := newTokenManager(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := manager.EnsureValidToken(ctx); err != nil {
		return fmt.Errorf("obtain copilot token: %w", err)
	}

	out, err := json.MarshalIndent(manager.Status(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
