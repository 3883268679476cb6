// ABOUTME: Configuration loading and parsing for consult-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load and ResolvePath
const (
	EnvConfigPath   = "CONSULT_CONFIG"
	EnvDBPath       = "CONSULT_DB_PATH"
	EnvTailscaleKey = "TS_AUTHKEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
)

// Backend kinds
const (
	BackendHTTP   = "http"
	BackendGemini = "gemini"
	BackendNull   = "null"
)

// Token exchange modes
const (
	ExchangeLocal  = "local"
	ExchangeRemote = "remote"
)

// Change feed drivers
const (
	FeedMemory    = "memory"
	FeedGoChannel = "gochannel"
	FeedRedis     = "redis"
)

// Defaults applied by Load when a value is absent
const (
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultGRPCAddr        = "0.0.0.0:50051"
	DefaultScopedTTL       = 15 * time.Minute
	DefaultBackendTimeout  = 60 * time.Second
	DefaultExchangeTimeout = 10 * time.Second
	DefaultDedupeTTL       = 10 * time.Minute
)

// Config represents the complete consult-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	TokenExchange TokenExchangeConfig `yaml:"token_exchange" toml:"token_exchange"`
	Backend       BackendConfig       `yaml:"backend" toml:"backend"`
	Gemini        GeminiConfig        `yaml:"gemini" toml:"gemini"`
	ChangeFeed    ChangeFeedConfig    `yaml:"changefeed" toml:"changefeed"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds the HS256 secrets for identity and scoped tokens
type AuthConfig struct {
	IdentitySecret string        `yaml:"identity_secret" toml:"identity_secret"`
	ScopedSecret   string        `yaml:"scoped_secret" toml:"scoped_secret"`
	ScopedTTL      time.Duration `yaml:"-" toml:"-"`

	ScopedTTLRaw string `yaml:"scoped_ttl" toml:"scoped_ttl"`
}

// TokenExchangeConfig selects how identity tokens become scoped credentials
type TokenExchangeConfig struct {
	Mode     string        `yaml:"mode" toml:"mode"`
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// BackendConfig selects the completion backend
type BackendConfig struct {
	Kind           string        `yaml:"kind" toml:"kind"`
	Endpoint       string        `yaml:"endpoint" toml:"endpoint"`
	ForwardContent bool          `yaml:"forward_content" toml:"forward_content"`
	Timeout        time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// GeminiConfig holds settings for the direct model backend
type GeminiConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Model        string `yaml:"model" toml:"model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// ChangeFeedConfig selects the session change notification transport
type ChangeFeedConfig struct {
	Driver        string        `yaml:"driver" toml:"driver"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	ConsumerGroup string        `yaml:"consumer_group" toml:"consumer_group"`
	Consumer      string        `yaml:"consumer" toml:"consumer"`
	DedupeTTL     time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Degraded reports whether relay calls will be answered by the echo backend.
func (b BackendConfig) Degraded() bool {
	return b.Kind == BackendNull || (b.Kind == BackendHTTP && b.Endpoint == "")
}

// ResolvePath returns flagPath if set, otherwise CONSULT_CONFIG, otherwise the
// first of ./config.yaml, ./config.toml and ~/.config/consult/gateway.yaml that exists.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "consult", "gateway.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "config.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes. It applies env overrides and
// defaults, parses durations, and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv lets well-known environment variables override file values
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvTailscaleKey); v != "" && cfg.Tailscale.AuthKey == "" {
		cfg.Tailscale.AuthKey = v
	}
	if v := os.Getenv(EnvGeminiKey); v != "" && cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = v
	}
}

func applyDefaults(cfg *Config) {
	if !cfg.Tailscale.Enabled {
		if cfg.Server.HTTPAddr == "" {
			cfg.Server.HTTPAddr = DefaultHTTPAddr
		}
		if cfg.Server.GRPCAddr == "" {
			cfg.Server.GRPCAddr = DefaultGRPCAddr
		}
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.TokenExchange.Mode == "" {
		cfg.TokenExchange.Mode = ExchangeLocal
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = BackendHTTP
	}
	if cfg.ChangeFeed.Driver == "" {
		cfg.ChangeFeed.Driver = FeedMemory
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Auth.ScopedSecret == "" {
		cfg.Auth.ScopedSecret = cfg.Auth.IdentitySecret
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.IdentitySecret == "" {
		return fmt.Errorf("auth.identity_secret is required")
	}
	if len(c.Auth.IdentitySecret) < 32 {
		return fmt.Errorf("auth.identity_secret must be at least 32 bytes")
	}
	if len(c.Auth.ScopedSecret) < 32 {
		return fmt.Errorf("auth.scoped_secret must be at least 32 bytes")
	}

	switch c.TokenExchange.Mode {
	case ExchangeLocal:
	case ExchangeRemote:
		if c.TokenExchange.Endpoint == "" {
			return fmt.Errorf("token_exchange.endpoint is required in remote mode")
		}
	default:
		return fmt.Errorf("token_exchange.mode must be local or remote, got %q", c.TokenExchange.Mode)
	}

	switch c.Backend.Kind {
	case BackendHTTP, BackendNull:
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("gemini.api_key (or %s) is required for the gemini backend", EnvGeminiKey)
		}
	default:
		return fmt.Errorf("backend.kind must be http, gemini or null, got %q", c.Backend.Kind)
	}

	switch c.ChangeFeed.Driver {
	case FeedMemory, FeedGoChannel:
	case FeedRedis:
		if c.ChangeFeed.RedisAddr == "" {
			return fmt.Errorf("changefeed.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("changefeed.driver must be memory, gochannel or redis, got %q", c.ChangeFeed.Driver)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"auth.scoped_ttl", cfg.Auth.ScopedTTLRaw, &cfg.Auth.ScopedTTL, DefaultScopedTTL},
		{"token_exchange.timeout", cfg.TokenExchange.TimeoutRaw, &cfg.TokenExchange.Timeout, DefaultExchangeTimeout},
		{"backend.timeout", cfg.Backend.TimeoutRaw, &cfg.Backend.Timeout, DefaultBackendTimeout},
		{"changefeed.dedupe_ttl", cfg.ChangeFeed.DedupeTTLRaw, &cfg.ChangeFeed.DedupeTTL, DefaultDedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
