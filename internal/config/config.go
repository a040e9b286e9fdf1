package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Conduit.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// Debug includes stack traces in error envelopes when set.
	Debug bool `yaml:"debug"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver selects the store implementation: "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver only).
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig declares a static API key and its associated identity.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
	Tier   string `yaml:"tier"`
}

// RateLimitConfig declares the named tiers. Each tier carries its own
// request ceiling and decay window. Enabled is a pointer so an absent key
// defaults to on while an explicit false turns limiting off.
type RateLimitConfig struct {
	Enabled *bool                 `yaml:"enabled"`
	Tiers   map[string]TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	MaxRequests  int           `yaml:"max_requests"`
	DecayMinutes time.Duration `yaml:"decay_minutes"`
}

// CacheConfig declares the response cache behavior. TTLs are keyed by
// entity category, each independently configurable. Enabled is a pointer
// so an absent key defaults to on while an explicit false disables caching.
type CacheConfig struct {
	Enabled   *bool                    `yaml:"enabled"`
	Prefix    string                   `yaml:"prefix"`
	TTL       map[string]time.Duration `yaml:"ttl"`
	PromptTTL time.Duration            `yaml:"prompt_ttl"`
}

type UpstreamConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	DefaultModel    string        `yaml:"default_model"`
	MaxRetries      int           `yaml:"max_retries"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file. Environment variables in
// the file are expanded before parsing, so secrets can be referenced as
// ${CONDUIT_API_KEY} rather than inlined.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.RateLimit.Enabled == nil {
		cfg.RateLimit.Enabled = boolPtr(true)
	}
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit.Tiers = map[string]TierConfig{}
	}
	if _, ok := cfg.RateLimit.Tiers["default"]; !ok {
		cfg.RateLimit.Tiers["default"] = TierConfig{MaxRequests: 60, DecayMinutes: time.Minute}
	}
	if _, ok := cfg.RateLimit.Tiers["high"]; !ok {
		cfg.RateLimit.Tiers["high"] = TierConfig{MaxRequests: 600, DecayMinutes: time.Minute}
	}
	if _, ok := cfg.RateLimit.Tiers["low"]; !ok {
		cfg.RateLimit.Tiers["low"] = TierConfig{MaxRequests: 10, DecayMinutes: time.Minute}
	}
	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = boolPtr(true)
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "conduit:"
	}
	if cfg.Cache.TTL == nil {
		cfg.Cache.TTL = map[string]time.Duration{}
	}
	defaultTTLs := map[string]time.Duration{
		"agents":        5 * time.Minute,
		"sessions":      time.Minute,
		"users":         10 * time.Minute,
		"organizations": 30 * time.Minute,
		"teams":         30 * time.Minute,
		"knowledge":     time.Hour,
	}
	for category, ttl := range defaultTTLs {
		if _, ok := cfg.Cache.TTL[category]; !ok {
			cfg.Cache.TTL[category] = ttl
		}
	}
	if cfg.Cache.PromptTTL == 0 {
		cfg.Cache.PromptTTL = time.Hour
	}
	if cfg.Upstream.DefaultModel == "" {
		cfg.Upstream.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 3
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 10 * time.Second
	}
	if cfg.Upstream.ResponseTimeout == 0 {
		cfg.Upstream.ResponseTimeout = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "conduit"
	}
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	for name, tier := range cfg.RateLimit.Tiers {
		if tier.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit tier %q: max_requests must be positive", name)
		}
		if tier.DecayMinutes <= 0 {
			return fmt.Errorf("rate_limit tier %q: decay_minutes must be positive", name)
		}
	}
	for category, ttl := range cfg.Cache.TTL {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl for %q must be positive", category)
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

// Dump writes the configuration as YAML with secrets masked.
func Dump(w io.Writer, cfg *Config) error {
	masked := *cfg
	if masked.Auth.JWTSecret != "" {
		masked.Auth.JWTSecret = "***"
	}
	if masked.Upstream.APIKey != "" {
		masked.Upstream.APIKey = "***"
	}
	masked.Auth.APIKeys = make([]APIKeyConfig, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		k.Key = "***"
		masked.Auth.APIKeys[i] = k
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
