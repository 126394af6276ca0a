// Package config handles CLI, environment and TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ziply-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes may not be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/resolve", "/download", "/healthz"}

// maxRedirectsLimit bounds upstream.max_redirects.
const (
	maxRedirectsLimit   = 20
	defaultMaxRedirects = 5
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Allowlist []string `kong:"help='Comma-separated domain allowlist; empty allows all (overrides config).',env='ALLOWLIST',sep=','"`
	LogLevel  string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Policy   PolicyConfig   `toml:"policy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
}

// PolicyConfig holds the URL acceptance policy.
type PolicyConfig struct {
	// Allowlist is the set of permitted target domains. Empty allows all hosts.
	Allowlist []string `toml:"allowlist"`
	// EnforceMIMEOnDownload applies the content-type filter to /download too.
	EnforceMIMEOnDownload bool `toml:"enforce_mime_on_download"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// MaxRedirects is a pointer so an explicit 0 (never follow) differs from
	// an omitted key (default 5).
	MaxRedirects *int `toml:"max_redirects"`
	// RevalidateRedirects is a pointer so an omitted key keeps the default (true).
	RevalidateRedirects  *bool  `toml:"revalidate_redirects"`
	HeaderTimeoutSeconds int    `toml:"header_timeout_seconds"` // 0 waits indefinitely
	IdleConnections      int    `toml:"idle_connections"`
	MaxConcurrent        int    `toml:"max_concurrent"` // 0 means unlimited
	UserAgent            string `toml:"user_agent"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ziply-proxy/config.toml then configs/config.toml. Unlike an explicit
// path, a missing search-path file is not an error: defaults and CLI/env
// values are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if len(cli.Allowlist) > 0 {
		c.Policy.Allowlist = cli.Allowlist
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Allowlist entries are bare hostnames.
	for _, d := range c.Policy.Allowlist {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if strings.ContainsAny(d, "/:@ ") {
			return fmt.Errorf("policy.allowlist entry %q must be a bare domain name", d)
		}
		if strings.HasPrefix(d, ".") {
			return fmt.Errorf("policy.allowlist entry %q must not start with '.'; subdomains are matched automatically", d)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if n := c.Upstream.MaxRedirects; n != nil && (*n < 0 || *n > maxRedirectsLimit) {
		return fmt.Errorf("upstream.max_redirects must be 0–%d; got %d", maxRedirectsLimit, *n)
	}
	if c.Upstream.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.header_timeout_seconds must be non-negative; got %d", c.Upstream.HeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConcurrent < 0 {
		return fmt.Errorf("upstream.max_concurrent must be non-negative; got %d", c.Upstream.MaxConcurrent)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. max_concurrent=0 therefore means
// no cap. Fields where 0 is meaningful (max_redirects, revalidate_redirects)
// are pointers.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Upstream.MaxRedirects == nil {
		n := defaultMaxRedirects
		c.Upstream.MaxRedirects = &n
	}
	if c.Upstream.RevalidateRedirects == nil {
		v := true
		c.Upstream.RevalidateRedirects = &v
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "ziply-proxy-go/1.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ShouldRevalidateRedirects reports whether every redirect hop must pass the
// scheme and domain guards. Defaults to true when unset.
func (c *UpstreamConfig) ShouldRevalidateRedirects() bool {
	return c.RevalidateRedirects == nil || *c.RevalidateRedirects
}

// RedirectLimit returns the number of redirects to follow. Defaults to 5
// when unset; 0 means redirects are not followed.
func (c *UpstreamConfig) RedirectLimit() int {
	if c.MaxRedirects == nil {
		return defaultMaxRedirects
	}
	return *c.MaxRedirects
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnAllowAll logs a warning when domain filtering is disabled.
func (c *Config) WarnAllowAll(logger *slog.Logger) {
	for _, d := range c.Policy.Allowlist {
		if strings.TrimSpace(d) != "" {
			return
		}
	}
	logger.Warn("policy.allowlist is empty; all HTTPS hosts may be fetched")
}
