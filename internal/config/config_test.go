// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9090"
  grpc_addr: "127.0.0.1:9091"

database:
  driver: "sqlite3"
  path: "./consult.db"

auth:
  identity_secret: "`+testSecret+`"
  scoped_ttl: "5m"

token_exchange:
  mode: "remote"
  endpoint: "https://auth.example.com/exchange"
  timeout: "3s"

backend:
  kind: "http"
  endpoint: "https://backend.example.com/chat"
  forward_content: true
  timeout: "30s"

changefeed:
  driver: "redis"
  redis_addr: "localhost:6379"
  consumer: "gw-1"
  dedupe_ttl: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Auth.ScopedTTL != 5*time.Minute {
		t.Errorf("Auth.ScopedTTL = %v", cfg.Auth.ScopedTTL)
	}
	if cfg.Auth.ScopedSecret != testSecret {
		t.Errorf("Auth.ScopedSecret should default to identity secret, got %q", cfg.Auth.ScopedSecret)
	}
	if cfg.TokenExchange.Mode != ExchangeRemote || cfg.TokenExchange.Timeout != 3*time.Second {
		t.Errorf("TokenExchange = %+v", cfg.TokenExchange)
	}
	if !cfg.Backend.ForwardContent || cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Backend.Degraded() {
		t.Error("backend with endpoint should not be degraded")
	}
	if cfg.ChangeFeed.Driver != FeedRedis || cfg.ChangeFeed.Consumer != "gw-1" {
		t.Errorf("ChangeFeed = %+v", cfg.ChangeFeed)
	}
	if cfg.ChangeFeed.DedupeTTL != time.Minute {
		t.Errorf("ChangeFeed.DedupeTTL = %v", cfg.ChangeFeed.DedupeTTL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./consult.db"
auth:
  identity_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.TokenExchange.Mode != ExchangeLocal {
		t.Errorf("TokenExchange.Mode = %q", cfg.TokenExchange.Mode)
	}
	if cfg.Backend.Kind != BackendHTTP || cfg.Backend.ForwardContent {
		t.Errorf("Backend = %+v, want http with withheld content", cfg.Backend)
	}
	if !cfg.Backend.Degraded() {
		t.Error("http backend without endpoint should be degraded")
	}
	if cfg.Auth.ScopedTTL != DefaultScopedTTL {
		t.Errorf("ScopedTTL = %v", cfg.Auth.ScopedTTL)
	}
	if cfg.Backend.Timeout != DefaultBackendTimeout {
		t.Errorf("Backend.Timeout = %v", cfg.Backend.Timeout)
	}
	if cfg.ChangeFeed.Driver != FeedMemory {
		t.Errorf("ChangeFeed.Driver = %q", cfg.ChangeFeed.Driver)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[database]
path = "./consult.db"

[auth]
identity_secret = "`+testSecret+`"

[backend]
kind = "null"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Kind != BackendNull || !cfg.Backend.Degraded() {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Database.Path != "./consult.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CONSULT_SECRET", testSecret)
	t.Setenv("TEST_CONSULT_ENDPOINT", "http://backend.local/chat")

	path := writeConfig(t, "config.yaml", `
database:
  path: "./consult.db"
auth:
  identity_secret: "${TEST_CONSULT_SECRET}"
backend:
  endpoint: "${TEST_CONSULT_ENDPOINT}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.IdentitySecret != testSecret {
		t.Errorf("IdentitySecret = %q", cfg.Auth.IdentitySecret)
	}
	if cfg.Backend.Endpoint != "http://backend.local/chat" {
		t.Errorf("Backend.Endpoint = %q", cfg.Backend.Endpoint)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvGeminiKey, "gemini-key")
	t.Setenv(EnvTailscaleKey, "tskey-123")

	path := writeConfig(t, "config.yaml", `
database:
  path: "./consult.db"
auth:
  identity_secret: "`+testSecret+`"
backend:
  kind: "gemini"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Gemini.APIKey != "gemini-key" {
		t.Errorf("Gemini.APIKey = %q", cfg.Gemini.APIKey)
	}
	if cfg.Tailscale.AuthKey != "tskey-123" {
		t.Errorf("Tailscale.AuthKey = %q", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./consult.db"
auth:
  identity_secret: "`+testSecret+`"
  scoped_ttl: "soon"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "auth.scoped_ttl") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Database: DatabaseConfig{Path: "x.db"},
			Auth:     AuthConfig{IdentitySecret: testSecret},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"missing secret", func(c *Config) { c.Auth.IdentitySecret = "" }, "identity_secret is required"},
		{"short secret", func(c *Config) { c.Auth.IdentitySecret = "short" }, "at least 32 bytes"},
		{"remote without endpoint", func(c *Config) { c.TokenExchange.Mode = ExchangeRemote }, "token_exchange.endpoint"},
		{"unknown exchange mode", func(c *Config) { c.TokenExchange.Mode = "magic" }, "token_exchange.mode"},
		{"gemini without key", func(c *Config) { c.Backend.Kind = BackendGemini }, "gemini.api_key"},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "carrier-pigeon" }, "backend.kind"},
		{"redis without addr", func(c *Config) { c.ChangeFeed.Driver = FeedRedis }, "redis_addr"},
		{"unknown feed", func(c *Config) { c.ChangeFeed.Driver = "kafka" }, "changefeed.driver"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"no http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("ResolvePath(flag) = %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/consult/gateway.yaml")
	if got := ResolvePath(""); got != "/etc/consult/gateway.yaml" {
		t.Errorf("ResolvePath(env) = %q", got)
	}
}
