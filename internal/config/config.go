package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. COPILOT_GATEWAY_SERVER_PORT.
const EnvPrefix = "COPILOT_GATEWAY_"

// Token store kinds.
const (
	StoreMemory       = "memory"
	StoreFile         = "file"
	StorePostgres     = "postgres"
	StoreNATS         = "nats"
	StoreNATSEmbedded = "nats-embedded"
)

// Config represents the application configuration parsed from YAML and the
// environment.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Copilot    CopilotConfig    `yaml:"copilot" envPrefix:"COPILOT_"`
	TokenStore TokenStoreConfig `yaml:"token_store" envPrefix:"TOKEN_STORE_"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Callers    CallersConfig    `yaml:"callers" envPrefix:"CALLERS_"`
	Stream     StreamConfig     `yaml:"stream" envPrefix:"STREAM_"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	BodyLimit       string        `yaml:"body_limit" env:"BODY_LIMIT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Admin           bool          `yaml:"admin" env:"ADMIN"`
	AdminToken      string        `yaml:"admin_token" env:"ADMIN_TOKEN"`
	Metrics         bool          `yaml:"metrics" env:"METRICS"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// CopilotConfig captures the backend endpoints, credential lifecycle and
// client identity headers.
type CopilotConfig struct {
	OAuthToken    string            `yaml:"oauth_token" env:"OAUTH_TOKEN"`
	TokenURL      string            `yaml:"token_url" env:"TOKEN_URL"`
	BaseURL       string            `yaml:"base_url" env:"BASE_URL"`
	EditorVersion string            `yaml:"editor_version" env:"EDITOR_VERSION"`
	PluginVersion string            `yaml:"plugin_version" env:"PLUGIN_VERSION"`
	IntegrationID string            `yaml:"integration_id" env:"INTEGRATION_ID"`
	UserAgent     string            `yaml:"user_agent" env:"USER_AGENT"`
	APIVersion    string            `yaml:"api_version" env:"API_VERSION"`
	Timeout       time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	Headers       Headers           `yaml:"headers"`
	Models        []string          `yaml:"models" env:"MODELS"`
	Aliases       map[string]string `yaml:"aliases"`

	RefreshMargin     time.Duration `yaml:"refresh_margin" env:"REFRESH_MARGIN"`
	RefreshTimeout    time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT"`
	RefreshAttempts   int           `yaml:"refresh_attempts" env:"REFRESH_ATTEMPTS"`
	RefreshBackoff    time.Duration `yaml:"refresh_backoff" env:"REFRESH_BACKOFF"`
	RefreshMaxBackoff time.Duration `yaml:"refresh_max_backoff" env:"REFRESH_MAX_BACKOFF"`

	UpstreamAttempts int           `yaml:"upstream_attempts" env:"UPSTREAM_ATTEMPTS"`
	UpstreamBackoff  time.Duration `yaml:"upstream_backoff" env:"UPSTREAM_BACKOFF"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// TokenStoreConfig selects where the backend token record is persisted.
type TokenStoreConfig struct {
	Kind     string `yaml:"kind" env:"KIND"`
	Path     string `yaml:"path" env:"PATH"`
	DSN      string `yaml:"dsn" env:"DSN"`
	NATSURL  string `yaml:"nats_url" env:"NATS_URL"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Key      string `yaml:"key" env:"KEY"`
	StoreDir string `yaml:"store_dir" env:"STORE_DIR"`
}

// RateLimitConfig holds the per-caller token bucket defaults. Limiting is on
// unless Disabled is set.
type RateLimitConfig struct {
	Disabled      bool          `yaml:"disabled" env:"DISABLED"`
	Interval      time.Duration `yaml:"interval" env:"INTERVAL"`
	Burst         int           `yaml:"burst" env:"BURST"`
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// CallersConfig defines how callers authenticate to the gateway. With neither
// a JWT secret nor API keys, every caller is admitted and keyed by IP.
type CallersConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string        `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	APIKeys   []string      `yaml:"api_keys" env:"API_KEYS"`
}

// StreamConfig tunes the streaming engine.
type StreamConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
}

// Load reads YAML configuration from disk, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays COPILOT_GATEWAY_* environment variables onto c. Unset
// variables leave the YAML values untouched.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	if c.Copilot.OAuthToken == "" {
		for _, name := range []string{"COPILOT_OAUTH_TOKEN", "GITHUB_TOKEN"} {
			if v := os.Getenv(name); v != "" {
				c.Copilot.OAuthToken = v
				break
			}
		}
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 4141
	}
	if c.Server.BodyLimit == "" {
		c.Server.BodyLimit = "10M"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	cp := &c.Copilot
	if cp.TokenURL == "" {
		cp.TokenURL = "https://api.github.com/copilot_internal/v2/token"
	}
	if cp.BaseURL == "" {
		cp.BaseURL = "https://api.githubcopilot.com"
	}
	if cp.EditorVersion == "" {
		cp.EditorVersion = "vscode/1.99.2"
	}
	if cp.PluginVersion == "" {
		cp.PluginVersion = "copilot-chat/0.26.3"
	}
	if cp.IntegrationID == "" {
		cp.IntegrationID = "vscode-chat"
	}
	if cp.UserAgent == "" {
		cp.UserAgent = "GitHubCopilotChat/0.26.3"
	}
	if cp.APIVersion == "" {
		cp.APIVersion = "2025-04-01"
	}
	if cp.Timeout == 0 {
		cp.Timeout = 5 * time.Minute
	}
	if cp.RefreshMargin == 0 {
		cp.RefreshMargin = 60 * time.Second
	}
	if cp.RefreshTimeout == 0 {
		cp.RefreshTimeout = 30 * time.Second
	}
	if cp.RefreshAttempts == 0 {
		cp.RefreshAttempts = 3
	}
	if cp.RefreshBackoff == 0 {
		cp.RefreshBackoff = 500 * time.Millisecond
	}
	if cp.RefreshMaxBackoff == 0 {
		cp.RefreshMaxBackoff = 5 * time.Second
	}
	if cp.UpstreamAttempts == 0 {
		cp.UpstreamAttempts = 3
	}
	if cp.UpstreamBackoff == 0 {
		cp.UpstreamBackoff = 250 * time.Millisecond
	}

	ts := &c.TokenStore
	if ts.Kind == "" {
		ts.Kind = StoreMemory
	}
	if ts.Bucket == "" {
		ts.Bucket = "copilot_gateway"
	}
	if ts.Key == "" {
		ts.Key = "copilot_token"
	}

	rl := &c.RateLimit
	if rl.Interval == 0 {
		rl.Interval = time.Second
	}
	if rl.Burst == 0 {
		rl.Burst = 5
	}
	if rl.IdleTTL == 0 {
		rl.IdleTTL = time.Hour
	}
	if rl.SweepInterval == 0 {
		rl.SweepInterval = 5 * time.Minute
	}

	if c.Callers.TokenTTL == 0 {
		c.Callers.TokenTTL = 24 * time.Hour
	}
	if c.Stream.GracePeriod == 0 {
		c.Stream.GracePeriod = 2 * time.Second
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if c.Server.Admin && strings.TrimSpace(c.Server.AdminToken) == "" {
		return fmt.Errorf("server.admin_token must be provided when server.admin is enabled")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	if err := c.validateCopilot(); err != nil {
		return err
	}

	switch c.TokenStore.Kind {
	case StoreMemory, StoreNATSEmbedded:
	case StoreFile:
		if strings.TrimSpace(c.TokenStore.Path) == "" {
			return fmt.Errorf("token_store.path must be provided for kind %q", StoreFile)
		}
	case StorePostgres:
		if strings.TrimSpace(c.TokenStore.DSN) == "" {
			return fmt.Errorf("token_store.dsn must be provided for kind %q", StorePostgres)
		}
	case StoreNATS:
		if strings.TrimSpace(c.TokenStore.NATSURL) == "" {
			return fmt.Errorf("token_store.nats_url must be provided for kind %q", StoreNATS)
		}
	default:
		return fmt.Errorf("token_store.kind %q must be one of memory, file, postgres, nats, nats-embedded", c.TokenStore.Kind)
	}

	if c.RateLimit.Interval <= 0 {
		return fmt.Errorf("rate_limit.interval must be positive, got %s", c.RateLimit.Interval)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
	}
	if c.RateLimit.IdleTTL <= 0 || c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate_limit.idle_ttl and rate_limit.sweep_interval must be positive")
	}

	for i, key := range c.Callers.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("callers.api_keys[%d] must not be empty", i)
		}
	}
	if c.Stream.GracePeriod <= 0 {
		return fmt.Errorf("stream.grace_period must be positive, got %s", c.Stream.GracePeriod)
	}
	return nil
}

func (c Config) validateCopilot() error {
	cp := c.Copilot
	if strings.TrimSpace(cp.BaseURL) == "" {
		return fmt.Errorf("copilot.base_url must be provided")
	}
	if cp.RefreshMargin < 0 || cp.RefreshAttempts < 1 || cp.UpstreamAttempts < 1 {
		return fmt.Errorf("copilot refresh_margin must be non-negative and attempts at least 1")
	}

	for headerKey := range cp.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("copilot: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	known := make(map[string]struct{}, len(cp.Models))
	for _, model := range cp.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("copilot: model id must not be empty")
		}
		known[model] = struct{}{}
	}
	for alias, target := range cp.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("copilot: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("copilot: alias %q target must not be empty", alias)
		}
		if _, ok := known[target]; len(known) > 0 && !ok {
			return fmt.Errorf("copilot: alias %q references unknown model %q", alias, target)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
