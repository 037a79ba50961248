package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// validTestConfig is a dev-mode config that passes Validate without discovery.
func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Provider.ClientID = "rpgate"
	cfg.Provider.AuthorizationURL = "https://idp.example.com/authorize"
	cfg.Provider.TokenURL = "https://idp.example.com/token"
	cfg.Provider.JWKSURL = "https://idp.example.com/jwks"
	return cfg
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadConfigEnvironmentWins(t *testing.T) {
	path := writeConfigFile(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
provider:
  issuer: https://idp.example.com
  client_id: web
  redirect_url: http://localhost:8080/callback
`)

	t.Setenv("RPGATE_SERVER_PUBLIC_URL", "https://gateway.example.com")
	t.Setenv("RPGATE_PROVIDER_CLIENT_ID", "from-env")
	t.Setenv("RPGATE_PROVIDER_SCOPES", "openid, read ,write")
	t.Setenv("RPGATE_SESSION_DEFAULT_TTL", "15m")
	t.Setenv("RPGATE_IDEMPOTENCY_TTL", "bogus")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://gateway.example.com" {
		t.Fatalf("public_url = %q, want env value", cfg.Server.PublicURL)
	}
	if cfg.Provider.ClientID != "from-env" {
		t.Fatalf("ClientID override mismatch, got %s", cfg.Provider.ClientID)
	}
	if strings.Join(cfg.Provider.Scopes, " ") != "openid read write" {
		t.Fatalf("Scopes override mismatch, got %v", cfg.Provider.Scopes)
	}
	if cfg.Session.DefaultTTL != 15*time.Minute {
		t.Fatalf("DefaultTTL override mismatch, got %v", cfg.Session.DefaultTTL)
	}
	if cfg.Idempotency.TTL != DefaultIdempotencyTTL {
		t.Fatalf("invalid duration should keep the default, got %v", cfg.Idempotency.TTL)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, `# minimal file
provider:
  issuer: https://idp.example.com
  client_id: web
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Session.RequiredScope != DefaultRequiredScope {
		t.Fatalf("RequiredScope = %q, want %q", cfg.Session.RequiredScope, DefaultRequiredScope)
	}
	if cfg.Idempotency.Backend != BackendMemory || cfg.Storage.Driver != BackendMemory {
		t.Fatalf("expected in-memory backends, got %s/%s", cfg.Idempotency.Backend, cfg.Storage.Driver)
	}
	if cfg.Keys.CacheTTL != DefaultKeyCacheTTL || cfg.Provider.ClockSkew != DefaultClockSkew {
		t.Fatalf("unexpected key defaults: %+v clock skew %v", cfg.Keys, cfg.Provider.ClockSkew)
	}
	if strings.Join(cfg.Provider.Scopes, " ") != "openid profile email" {
		t.Fatalf("unexpected default scopes %v", cfg.Provider.Scopes)
	}
}

func TestLoadConfigStrictKeys(t *testing.T) {
	path := writeConfigFile(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
  unknown_field: value
provider:
  issuer: https://idp.example.com
  client_id: web
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("LoadConfig accepted a misspelled key")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("error should name the problem, got: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvValueParsers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitAndTrim(" a , ,b,, c "))
	assert.Empty(t, splitAndTrim(" , "))

	bools := []struct {
		in       string
		fallback bool
		want     bool
	}{
		{"", true, true},
		{"invalid", false, false},
		{"YES", false, true},
		{"0", true, false},
		{" off ", true, false},
		{"TRUE", false, true},
	}
	for _, tt := range bools {
		assert.Equal(t, tt.want, parseBool(tt.in, tt.fallback), "parseBool(%q, %v)", tt.in, tt.fallback)
	}

	fallback := 5 * time.Minute
	assert.Equal(t, fallback, parseDuration("bogus", fallback))
	assert.Equal(t, 30*time.Second, parseDuration(" 30s", fallback))
}

func TestApplyEnvOverridesUsesLookup(t *testing.T) {
	env := map[string]string{
		"RPGATE_SERVER_DEV_MODE":       "off",
		"RPGATE_SERVER_TLS_DOMAINS":    "a.example.com, b.example.com",
		"RPGATE_STORAGE_DRIVER":        DriverSQLite,
		"RPGATE_IDEMPOTENCY_REDIS_URL": "redis://cache:6379/1",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultConfig()
	applyEnvOverrides(&cfg, lookup)

	if cfg.Server.DevMode {
		t.Fatalf("dev mode should be switched off")
	}
	if strings.Join(cfg.Server.TLS.Domains, ",") != "a.example.com,b.example.com" {
		t.Fatalf("domains mismatch: %v", cfg.Server.TLS.Domains)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Idempotency.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Storage, cfg.Idempotency.Redis)
	}
	if cfg.Provider.ClientID != "" {
		t.Fatalf("unset variables must not touch the config")
	}
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfigFile(t, "")
	t.Setenv("RPGATE_PROVIDER_ISSUER", "https://idp.example.com")
	t.Setenv("RPGATE_PROVIDER_CLIENT_ID", "web")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != DefaultConfig().Server.PublicURL {
		t.Fatalf("expected default public URL, got %q", cfg.Server.PublicURL)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validTestConfig()
	cfg.Provider.ClientID = ""
	cfg.Storage.Driver = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, field := range []string{"provider.client_id", "storage.driver"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidateNamesOffendingField(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string
	}{
		{
			name:          "missing_public_url",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "" },
			expectedError: []string{"public_url", "required"},
		},
		{
			name:          "invalid_public_url_format",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "localhost:8080" },
			expectedError: []string{"http://", "https://"},
		},
		{
			name:          "invalid_tls_version",
			setupConfig:   func(c *Config) { c.Server.TLS.MinVersion = "1.0" },
			expectedError: []string{"min_version"},
		},
		{
			name: "production_without_domains",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Server.TLS.Domains = nil
			},
			expectedError: []string{"tls.domains"},
		},
		{
			name:          "missing_client_id",
			setupConfig:   func(c *Config) { c.Provider.ClientID = "" },
			expectedError: []string{"client_id"},
		},
		{
			name:          "invalid_redirect_url",
			setupConfig:   func(c *Config) { c.Provider.RedirectURL = "/callback" },
			expectedError: []string{"redirect_url"},
		},
		{
			name:          "invalid_issuer",
			setupConfig:   func(c *Config) { c.Provider.Issuer = "idp.example.com" },
			expectedError: []string{"issuer"},
		},
		{
			name:          "missing_endpoint_without_issuer",
			setupConfig:   func(c *Config) { c.Provider.JWKSURL = "" },
			expectedError: []string{"jwks_url"},
		},
		{
			name:          "invalid_userinfo_url",
			setupConfig:   func(c *Config) { c.Provider.UserInfoURL = "ftp://idp.example.com/userinfo" },
			expectedError: []string{"userinfo_url"},
		},
		{
			name:          "invalid_auth_style",
			setupConfig:   func(c *Config) { c.Provider.AuthStyle = "cookie" },
			expectedError: []string{"auth_style"},
		},
		{
			name: "short_secret_in_production",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Session.SigningSecret = "short"
			},
			expectedError: []string{"signing_secret"},
		},
		{
			name:          "redis_without_url",
			setupConfig:   func(c *Config) { c.Idempotency.Backend = BackendRedis },
			expectedError: []string{"redis.url"},
		},
		{
			name:          "unknown_idempotency_backend",
			setupConfig:   func(c *Config) { c.Idempotency.Backend = "memcached" },
			expectedError: []string{"idempotency.backend"},
		},
		{
			name:          "negative_idempotency_ttl",
			setupConfig:   func(c *Config) { c.Idempotency.TTL = -time.Second },
			expectedError: []string{"idempotency.ttl"},
		},
		{
			name: "sqlite_without_path",
			setupConfig: func(c *Config) {
				c.Storage.Driver = DriverSQLite
				c.Storage.SQLitePath = ""
			},
			expectedError: []string{"sqlite_path"},
		},
		{
			name:          "unknown_storage_driver",
			setupConfig:   func(c *Config) { c.Storage.Driver = "postgres" },
			expectedError: []string{"storage.driver"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("%s: want one of %v in %q", tt.name, tt.expectedError, err)
			}
		})
	}
}

func TestConfigValidateAcceptsValid(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := validTestConfig()
	cfg.Server.DevMode = false
	cfg.Server.PublicURL = "https://gateway.example.com"
	cfg.Server.TLS.Domains = []string{"gateway.example.com"}
	cfg.Session.SigningSecret = strings.Repeat("s", minSigningSecretLength)
	cfg.Idempotency.Backend = BackendRedis
	cfg.Idempotency.Redis.URL = "redis://localhost:6379/0"
	cfg.Storage.Driver = DriverSQLite
	if err := cfg.Validate(); err != nil {
		t.Fatalf("production config rejected: %v", err)
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if substr != "" && strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
