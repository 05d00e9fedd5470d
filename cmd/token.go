package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"copilot-gateway/internal/callerauth"
)

const tokenUsage = `Usage:
  copilot-gateway token --config <path> --subject <name> [--ttl <duration>] [--burst <n>] [--interval <duration>]

Mints a caller JWT signed with callers.jwt_secret. The subject becomes the
caller's rate limit key; --burst and --interval override the default bucket.

Flags:
  --config   string     Path to YAML configuration file (required)
  --env-file string     Load environment variables from this file first
  --subject  string     Caller name (required)
  --ttl      duration   Token lifetime (default callers.token_ttl)
  --burst    int        Bucket capacity for this caller
  --interval duration   Refill interval for this caller`

func mintToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, tokenUsage)
	}

	var (
		cfgPath, envFile, subject string
		ttl, interval             time.Duration
		burst                     int
	)
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&envFile, "env-file", "", "path to a .env file")
	fs.StringVar(&subject, "subject", "", "caller name")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime")
	fs.IntVar(&burst, "burst", 0, "bucket capacity")
	fs.DurationVar(&interval, "interval", 0, "refill interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse token flags: %w", err)
	}
	if cfgPath == "" || subject == "" {
		return errors.New("token command requires --config <path> and --subject <name>")
	}
	if burst < 0 || interval < 0 || ttl < 0 {
		return errors.New("--ttl, --burst and --interval must not be negative")
	}

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return err
	}

	token, err := callerauth.New(cfg.Callers).Mint(subject, ttl, callerauth.Limits{Interval: interval, Burst: burst})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
