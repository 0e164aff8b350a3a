// ABOUTME: Configuration loading and parsing for creative-auth
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// MinBcryptCost is the lowest work factor accepted in configuration.
	MinBcryptCost = 12

	// MaxSSOTokenTTL bounds the lifetime of an SSO grant.
	MaxSSOTokenTTL = 60 * time.Second

	// DefaultSSOTokenTTL is used when sso.token_ttl is unset.
	DefaultSSOTokenTTL = 30 * time.Second

	// MinSSOSecretLength is the minimum HS256 key size in bytes.
	MinSSOSecretLength = 32
)

// Config represents the complete creative-auth configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn" toml:"webauthn"`
	SSO       SSOConfig       `yaml:"sso" toml:"sso"`
	Throttle  ThrottleConfig  `yaml:"throttle" toml:"throttle"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// BaseURL is the external URL of this service. The WebAuthn RP ID and
	// origins are derived from it when not set explicitly.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// SecureCookies marks the session cookie Secure. Enable in production.
	SecureCookies bool `yaml:"secure_cookies" toml:"secure_cookies"`

	// TrustedProxies are addresses or CIDRs of reverse proxies allowed to
	// set X-Forwarded-For. Leave empty when clients connect directly.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies entry %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds credential and session policy
type AuthConfig struct {
	BcryptCost          int `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
	MaxConcurrentHashes int `yaml:"max_concurrent_hashes" toml:"max_concurrent_hashes"`

	SessionTTL      time.Duration `yaml:"-" toml:"-"`
	ChallengeTTL    time.Duration `yaml:"-" toml:"-"`
	CleanupInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionTTLRaw      string `yaml:"session_ttl" toml:"session_ttl"`
	ChallengeTTLRaw    string `yaml:"challenge_ttl" toml:"challenge_ttl"`
	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// WebAuthnConfig holds relying party settings
type WebAuthnConfig struct {
	RPID    string   `yaml:"rp_id" toml:"rp_id"`
	RPName  string   `yaml:"rp_name" toml:"rp_name"`
	Origins []string `yaml:"origins" toml:"origins"`
}

// SSOConfig holds the bridge to the admin application. Leaving AdminURL
// empty disables the bridge.
type SSOConfig struct {
	AdminURL string        `yaml:"admin_url" toml:"admin_url"`
	Secret   string        `yaml:"secret" toml:"secret"`
	TokenTTL time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ThrottleConfig holds login rate limits
type ThrottleConfig struct {
	AttemptsPerMinute int           `yaml:"attempts_per_minute" toml:"attempts_per_minute"`
	Burst             int           `yaml:"burst" toml:"burst"`
	IdleTTL           time.Duration `yaml:"-" toml:"-"`

	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve with automatic tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// The well-known variables handled by ApplyEnv are overlaid before validation,
// so they can complete a partial file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)
	cfg.ApplyEnv()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays well-known environment variables onto the configuration:
// DATABASE_URL selects postgres, JWT_SECRET signs SSO grants, ADMIN_APP_URL
// enables the SSO bridge, RP_ID and ORIGIN pin the WebAuthn relying party,
// and NODE_ENV=production turns on secure cookies.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" && c.SSO.Secret == "" {
		c.SSO.Secret = v
	}
	if v := os.Getenv("ADMIN_APP_URL"); v != "" {
		c.SSO.AdminURL = v
	}
	if v := os.Getenv("RP_ID"); v != "" {
		c.WebAuthn.RPID = v
	}
	if v := os.Getenv("ORIGIN"); v != "" {
		c.WebAuthn.Origins = []string{v}
	}
	if os.Getenv("NODE_ENV") == "production" {
		c.Server.SecureCookies = true
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = "127.0.0.1:3001"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "creative-auth.db"
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = MinBcryptCost
	}
	if cfg.Auth.MaxConcurrentHashes == 0 {
		cfg.Auth.MaxConcurrentHashes = 4
	}
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.Auth.ChallengeTTL == 0 {
		cfg.Auth.ChallengeTTL = 5 * time.Minute
	}
	if cfg.Auth.CleanupInterval == 0 {
		cfg.Auth.CleanupInterval = 10 * time.Minute
	}
	if cfg.WebAuthn.RPName == "" {
		cfg.WebAuthn.RPName = "CreativeCMS"
	}
	if cfg.SSO.TokenTTL == 0 {
		cfg.SSO.TokenTTL = DefaultSSOTokenTTL
	}
	if cfg.Throttle.AttemptsPerMinute == 0 {
		cfg.Throttle.AttemptsPerMinute = 10
	}
	if cfg.Throttle.Burst == 0 {
		cfg.Throttle.Burst = 5
	}
	if cfg.Throttle.IdleTTL == 0 {
		cfg.Throttle.IdleTTL = 15 * time.Minute
	}
	if cfg.Tailscale.StateDir == "" && cfg.Tailscale.Enabled {
		cfg.Tailscale.StateDir = "tsnet-state"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Host == "" {
			return fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL)
		}
	}

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.BcryptCost < MinBcryptCost || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and 31, got %d", MinBcryptCost, c.Auth.BcryptCost)
	}
	if c.Auth.SessionTTL < 0 || c.Auth.ChallengeTTL < 0 || c.Auth.CleanupInterval < 0 {
		return fmt.Errorf("auth durations must be positive")
	}

	for _, origin := range c.WebAuthn.Origins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webauthn.origins entry %q is not an origin", origin)
		}
	}

	if c.SSO.TokenTTL < 0 || c.SSO.TokenTTL > MaxSSOTokenTTL {
		return fmt.Errorf("sso.token_ttl must be at most %s", MaxSSOTokenTTL)
	}
	if c.SSO.AdminURL != "" {
		if u, err := url.Parse(c.SSO.AdminURL); err != nil || u.Host == "" {
			return fmt.Errorf("sso.admin_url %q is not an absolute URL", c.SSO.AdminURL)
		}
		if len(c.SSO.Secret) < MinSSOSecretLength {
			return fmt.Errorf("sso.secret must be at least %d bytes when sso.admin_url is set", MinSSOSecretLength)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"auth.challenge_ttl", cfg.Auth.ChallengeTTLRaw, &cfg.Auth.ChallengeTTL},
		{"auth.cleanup_interval", cfg.Auth.CleanupIntervalRaw, &cfg.Auth.CleanupInterval},
		{"sso.token_ttl", cfg.SSO.TokenTTLRaw, &cfg.SSO.TokenTTL},
		{"throttle.idle_ttl", cfg.Throttle.IdleTTLRaw, &cfg.Throttle.IdleTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
