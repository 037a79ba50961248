package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session, key cache and idempotency defaults
const (
	DefaultSessionTTL         = time.Hour
	DefaultRequiredScope      = "write"
	DefaultKeyCacheTTL        = 10 * time.Minute
	DefaultMinRefreshInterval = 10 * time.Second
	DefaultClockSkew          = 30 * time.Second
	DefaultIdempotencyTTL     = 24 * time.Hour
	DefaultSweepInterval      = time.Minute
	DefaultStateLength        = 32
	minSigningSecretLength    = 32
)

// Storage and idempotency backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	DriverSQLite  = "sqlite"
)

// DefaultProviderScopes are requested from the IdP when none are configured.
var DefaultProviderScopes = []string{"openid", "profile", "email"}

// Config is the gateway configuration: a YAML file plus RPGATE_* overrides.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Session     SessionConfig     `yaml:"session"`
	Keys        KeyConfig         `yaml:"keys"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Storage     StorageConfig     `yaml:"storage"`
}

// ServerConfig holds listener and TLS settings.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	SecretsPath     string        `yaml:"secrets_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig drives autocert outside dev mode.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the single upstream IdP this gateway relies on.
// When Issuer is set, endpoints left empty are filled from OIDC discovery.
type ProviderConfig struct {
	Issuer           string        `yaml:"issuer"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	AuthorizationURL string        `yaml:"authorization_url"`
	TokenURL         string        `yaml:"token_url"`
	UserInfoURL      string        `yaml:"userinfo_url"`
	JWKSURL          string        `yaml:"jwks_url"`
	RedirectURL      string        `yaml:"redirect_url"`
	Scopes           []string      `yaml:"scopes"`
	AuthStyle        string        `yaml:"auth_style"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// SessionConfig controls locally issued session tokens.
type SessionConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	RequiredScope string        `yaml:"required_scope"`
}

// KeyConfig controls the IdP signing key cache.
type KeyConfig struct {
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`
}

// IdempotencyConfig selects and tunes the idempotency key registry.
type IdempotencyConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig points at the shared Redis used for idempotency keys.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig selects the user directory backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

// LoadConfig decodes path over the defaults, applies RPGATE_* environment
// overrides and validates the result. Unknown YAML keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg, os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("config rejected", "file", path, "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	switch err := dec.Decode(cfg); {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case strings.Contains(err.Error(), "not found in type"):
		return fmt.Errorf("config %s: unknown field: %w", path, err)
	default:
		return fmt.Errorf("config %s: %w", path, err)
	}
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			RedirectURL: "http://127.0.0.1:8080/callback",
			Scopes:      append([]string(nil), DefaultProviderScopes...),
			AuthStyle:   "params",
			ClockSkew:   DefaultClockSkew,
			HTTPTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			DefaultTTL:    DefaultSessionTTL,
			RequiredScope: DefaultRequiredScope,
		},
		Keys: KeyConfig{
			CacheTTL:           DefaultKeyCacheTTL,
			MinRefreshInterval: DefaultMinRefreshInterval,
		},
		Idempotency: IdempotencyConfig{
			Backend:       BackendMemory,
			TTL:           DefaultIdempotencyTTL,
			SweepInterval: DefaultSweepInterval,
			Redis: RedisConfig{
				KeyPrefix: "rpgate:idem:",
			},
		},
		Storage: StorageConfig{
			Driver:     BackendMemory,
			SQLitePath: "./users.db",
		},
	}
}

// DefaultConfig returns the configuration used for keys a file omits.
func DefaultConfig() Config {
	return defaultConfig()
}

// envOverrides maps environment variables onto config fields. Values that
// fail to parse leave the field unchanged.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string)
}{
	{"RPGATE_SERVER_PUBLIC_URL", func(c *Config, v string) { c.Server.PublicURL = v }},
	{"RPGATE_SERVER_DEV_LISTEN_ADDR", func(c *Config, v string) { c.Server.DevListenAddr = v }},
	{"RPGATE_SERVER_HTTP_LISTEN_ADDR", func(c *Config, v string) { c.Server.HTTPListenAddr = v }},
	{"RPGATE_SERVER_HTTPS_LISTEN_ADDR", func(c *Config, v string) { c.Server.HTTPSListenAddr = v }},
	{"RPGATE_SERVER_DEV_MODE", func(c *Config, v string) { c.Server.DevMode = parseBool(v, c.Server.DevMode) }},
	{"RPGATE_SERVER_TLS_DOMAINS", func(c *Config, v string) { c.Server.TLS.Domains = splitAndTrim(v) }},
	{"RPGATE_SERVER_TLS_EMAIL", func(c *Config, v string) { c.Server.TLS.Email = v }},
	{"RPGATE_SERVER_SECRETS_PATH", func(c *Config, v string) { c.Server.SecretsPath = v }},
	{"RPGATE_PROVIDER_ISSUER", func(c *Config, v string) { c.Provider.Issuer = v }},
	{"RPGATE_PROVIDER_CLIENT_ID", func(c *Config, v string) { c.Provider.ClientID = v }},
	{"RPGATE_PROVIDER_CLIENT_SECRET", func(c *Config, v string) { c.Provider.ClientSecret = v }},
	{"RPGATE_PROVIDER_AUTH_URL", func(c *Config, v string) { c.Provider.AuthorizationURL = v }},
	{"RPGATE_PROVIDER_TOKEN_URL", func(c *Config, v string) { c.Provider.TokenURL = v }},
	{"RPGATE_PROVIDER_USERINFO_URL", func(c *Config, v string) { c.Provider.UserInfoURL = v }},
	{"RPGATE_PROVIDER_JWKS_URL", func(c *Config, v string) { c.Provider.JWKSURL = v }},
	{"RPGATE_PROVIDER_REDIRECT_URL", func(c *Config, v string) { c.Provider.RedirectURL = v }},
	{"RPGATE_PROVIDER_SCOPES", func(c *Config, v string) { c.Provider.Scopes = splitAndTrim(v) }},
	{"RPGATE_SESSION_SIGNING_SECRET", func(c *Config, v string) { c.Session.SigningSecret = v }},
	{"RPGATE_SESSION_DEFAULT_TTL", func(c *Config, v string) { c.Session.DefaultTTL = parseDuration(v, c.Session.DefaultTTL) }},
	{"RPGATE_IDEMPOTENCY_BACKEND", func(c *Config, v string) { c.Idempotency.Backend = v }},
	{"RPGATE_IDEMPOTENCY_TTL", func(c *Config, v string) { c.Idempotency.TTL = parseDuration(v, c.Idempotency.TTL) }},
	{"RPGATE_IDEMPOTENCY_REDIS_URL", func(c *Config, v string) { c.Idempotency.Redis.URL = v }},
	{"RPGATE_STORAGE_DRIVER", func(c *Config, v string) { c.Storage.Driver = v }},
	{"RPGATE_STORAGE_SQLITE_PATH", func(c *Config, v string) { c.Storage.SQLitePath = v }},
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok {
			o.apply(cfg, v)
		}
	}
}

// applyDefaults fills zero values a partial YAML file may leave behind.
func (c *Config) applyDefaults() {
	if len(c.Provider.Scopes) == 0 {
		c.Provider.Scopes = append([]string(nil), DefaultProviderScopes...)
	}
	if c.Provider.AuthStyle == "" {
		c.Provider.AuthStyle = "params"
	}
	if c.Session.DefaultTTL <= 0 {
		c.Session.DefaultTTL = DefaultSessionTTL
	}
	if c.Session.RequiredScope == "" {
		c.Session.RequiredScope = DefaultRequiredScope
	}
	if c.Keys.CacheTTL <= 0 {
		c.Keys.CacheTTL = DefaultKeyCacheTTL
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = BackendMemory
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = BackendMemory
	}
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return d
	}
	return fallback
}

func parseBool(v string, fallback bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "on":
		return true
	case "no", "n", "off":
		return false
	}
	return fallback
}

func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	requireHTTPURL := func(field, value string) {
		if value != "" && !isHTTPURL(value) {
			fail("%s must be an absolute http:// or https:// URL, got %q", field, value)
		}
	}

	if c.Server.PublicURL == "" {
		fail("server.public_url is required")
	}
	requireHTTPURL("server.public_url", c.Server.PublicURL)
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		fail("server.tls.domains is required outside dev mode")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		fail("server.tls.min_version must be 1.2 or 1.3, got %q", v)
	}

	p := c.Provider
	if p.ClientID == "" {
		fail("provider.client_id is required")
	}
	if p.RedirectURL == "" {
		fail("provider.redirect_url is required")
	}
	requireHTTPURL("provider.redirect_url", p.RedirectURL)
	requireHTTPURL("provider.issuer", p.Issuer)
	endpoints := []struct{ field, value string }{
		{"provider.authorization_url", p.AuthorizationURL},
		{"provider.token_url", p.TokenURL},
		{"provider.jwks_url", p.JWKSURL},
		{"provider.userinfo_url", p.UserInfoURL},
	}
	for i, ep := range endpoints {
		// userinfo is optional; the rest come from discovery when an issuer is set.
		if ep.value == "" && p.Issuer == "" && i < 3 {
			fail("%s is required when provider.issuer is not set", ep.field)
		}
		requireHTTPURL(ep.field, ep.value)
	}
	if p.AuthStyle != "" && p.AuthStyle != "params" && p.AuthStyle != "header" {
		fail("provider.auth_style must be params or header, got %q", p.AuthStyle)
	}

	if !c.Server.DevMode && len(c.Session.SigningSecret) < minSigningSecretLength {
		fail("session.signing_secret must be at least %d bytes outside dev mode", minSigningSecretLength)
	}

	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Idempotency.Redis.URL == "" {
			fail("idempotency.redis.url is required for the redis backend")
		}
	default:
		fail("idempotency.backend must be memory or redis, got %q", c.Idempotency.Backend)
	}
	if c.Idempotency.TTL < 0 {
		fail("idempotency.ttl must not be negative")
	}

	switch c.Storage.Driver {
	case BackendMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			fail("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		fail("storage.driver must be memory or sqlite, got %q", c.Storage.Driver)
	}

	return errors.Join(errs...)
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
