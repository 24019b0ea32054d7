// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"devproxy/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"devproxy.toml",
	"configs/devproxy.toml",
}

// reservedRoutes are served by the dev server itself and cannot be claimed by a proxy rule.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='DEVPROXY_CONFIG'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Root     string `kong:"short='r',help='Frontend root directory (overrides config).',env='DEVPROXY_ROOT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	App      AppConfig      `toml:"app"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5173)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AppConfig describes the frontend host document and where the application mounts.
type AppConfig struct {
	Root       string `toml:"root"`
	Entry      string `toml:"entry"`
	MountID    string `toml:"mount_id"`
	Stylesheet string `toml:"stylesheet"`
	Watch      bool   `toml:"watch"`
}

// ProxyConfig holds the development proxy table.
type ProxyConfig struct {
	Rules []RuleConfig `toml:"rules"`
}

// RuleConfig is one entry of the proxy table.
type RuleConfig struct {
	Prefix       string `toml:"prefix"`
	Target       string `toml:"target"`
	WS           bool   `toml:"ws"`
	ChangeOrigin bool   `toml:"change_origin"`

	// Diagnostic hooks. Both only log.
	LogResponseHeaders bool `toml:"log_response_headers"`
	LogErrors          bool `toml:"log_errors"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	DialTimeoutSeconds           int `toml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
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

// DefaultRules returns the stock table: a WebSocket backend on :8000 and an
// SSE/API backend on :8001.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Prefix:       "/ws",
			Target:       "ws://127.0.0.1:8000",
			WS:           true,
			ChangeOrigin: true,
		},
		{
			Prefix:             "/sse",
			Target:             "http://0.0.0.0:8001",
			ChangeOrigin:       true,
			LogResponseHeaders: true,
			LogErrors:          true,
		},
	}
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or DEVPROXY_CONFIG), it searches
// devproxy.toml then configs/devproxy.toml, and falls back to built-in defaults
// when neither exists. An explicit path that cannot be read is an error.
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
	if len(cfg.Proxy.Rules) == 0 {
		cfg.Proxy.Rules = DefaultRules()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// FilePath returns the config file the values were read from, or "" for defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Root != "" {
		c.App.Root = cli.Root
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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

	if strings.ContainsAny(c.App.MountID, " \t#") {
		return fmt.Errorf("app.mount_id must be a bare element id; got %q", c.App.MountID)
	}

	reserved := append([]string(nil), reservedRoutes...)

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, r := range reservedRoutes {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
		reserved = append(reserved, p)
	} else if c.Metrics.Enabled {
		reserved = append(reserved, "/metrics")
	}

	return validateRules(c.Proxy.Rules, reserved)
}

func validateRules(rules []RuleConfig, reserved []string) error {
	for i, r := range rules {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("proxy.rules[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if err := validateTarget(r.Target); err != nil {
			return fmt.Errorf("proxy.rules[%d].target: %w", i, err)
		}
		for _, route := range reserved {
			if model.PrefixesOverlap(r.Prefix, route) {
				return fmt.Errorf("proxy.rules[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, route)
			}
		}
		for j := range i {
			if model.PrefixesOverlap(r.Prefix, rules[j].Prefix) {
				return fmt.Errorf("proxy.rules[%d].prefix %q overlaps proxy.rules[%d].prefix %q", i, r.Prefix, j, rules[j].Prefix)
			}
		}
	}
	return nil
}

func validateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("scheme must be one of http, https, ws, wss; got %q", target)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required; got %q", target)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("must be an origin without path or query; got %q", target)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5173
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.App.Root == "" {
		c.App.Root = "frontend"
	}
	if c.App.Entry == "" {
		c.App.Entry = "index.html"
	}
	if c.App.MountID == "" {
		c.App.MountID = "app"
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

// BuildRules converts the configured table into proxy rules. Diagnostic hooks log
// through logger.
func (c *ProxyConfig) BuildRules(logger *slog.Logger) ([]model.ProxyRule, error) {
	rules := make([]model.ProxyRule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		u, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", rc.Target, err)
		}
		u.Path = ""

		r := model.ProxyRule{
			PathPrefix:   rc.Prefix,
			Target:       u,
			Upgrade:      rc.WS,
			ChangeOrigin: rc.ChangeOrigin,
		}

		hookLog := logger.With("component", "proxy_hook", "prefix", rc.Prefix)
		if rc.LogResponseHeaders {
			r.OnResponse = func(req *http.Request, header http.Header) {
				hookLog.Info("received headers from target",
					"path", req.URL.Path,
					"headers", header,
				)
			}
		}
		if rc.LogErrors {
			r.OnError = func(req *http.Request, err error) {
				hookLog.Error("proxy error",
					"path", req.URL.Path,
					"err", err,
				)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
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
		logger.Warn("config file is writable by group/others; proxy targets could be redirected",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
