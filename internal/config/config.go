// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"devgate/internal/model"
)

// InternalPrefix is reserved for the gateway's own endpoints.
const InternalPrefix = "/__devgate"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"devgate.toml",
	"configs/config.toml",
	"/etc/devgate/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	NoWatch  bool             `kong:"help='Do not restart when the config file changes.',env='NO_WATCH'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Proxy    []ProxyConfig  `toml:"proxy" yaml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Assets   AssetsConfig   `toml:"assets" yaml:"assets"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds listener and inbound request settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (5173)
	AllowedHosts []string        `toml:"allowed_hosts" yaml:"allowed_hosts"`
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors" yaml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// CORSConfig controls cross-origin access to the gateway.
type CORSConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// ProxyConfig is one reverse-proxy rule as written in the config file.
type ProxyConfig struct {
	Prefix       string `toml:"prefix" yaml:"prefix"`
	Target       string `toml:"target" yaml:"target"`
	ChangeOrigin bool   `toml:"change_origin" yaml:"change_origin"`

	// InsecureSkipVerify disables upstream TLS certificate validation.
	InsecureSkipVerify bool `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	Rewrite *RewriteConfig `toml:"rewrite" yaml:"rewrite"`
}

// RewriteConfig is a regular-expression path rewrite.
type RewriteConfig struct {
	Pattern     string `toml:"pattern" yaml:"pattern"`
	Replacement string `toml:"replacement" yaml:"replacement"`
}

// UpstreamConfig holds upstream connection settings shared by all rules.
type UpstreamConfig struct {
	TimeoutSeconds               int `toml:"timeout_seconds" yaml:"timeout_seconds"`
	ConnectTimeoutSeconds        int `toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds" yaml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections" yaml:"idle_connections"`
}

// Asset handler modes.
const (
	AssetsStatic = "static"
	AssetsProxy  = "proxy"
	AssetsNone   = "none"
)

// AssetsConfig selects how requests that match no proxy rule are served.
type AssetsConfig struct {
	Mode               string `toml:"mode" yaml:"mode"`
	Root               string `toml:"root" yaml:"root"`
	Target             string `toml:"target" yaml:"target"`
	DisableSPAFallback bool   `toml:"disable_spa_fallback" yaml:"disable_spa_fallback"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load locates the config file and loads it with CLI overrides applied.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// devgate.toml, configs/config.toml and /etc/devgate/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}
	return LoadFile(path, cli)
}

// LoadFile reads the config at path. The format follows the file extension:
// .yaml and .yml are YAML, anything else is TOML.
func LoadFile(path string, cli *CLI) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	if cli != nil {
		cfg.applyCLI(cli)
	}

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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	for i, h := range c.Server.AllowedHosts {
		h = strings.TrimSpace(h)
		if h == "" || h == "." {
			return fmt.Errorf("server.allowed_hosts[%d] is empty", i)
		}
		if strings.ContainsAny(h, "/ ") {
			return fmt.Errorf("server.allowed_hosts[%d] must be a bare hostname; got %q", i, h)
		}
	}

	if err := c.validateProxy(); err != nil {
		return err
	}
	if err := c.validateAssets(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
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
		for _, reserved := range []string{InternalPrefix + "/healthz", InternalPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateProxy() error {
	seen := make(map[string]bool, len(c.Proxy))
	for i := range c.Proxy {
		p := &c.Proxy[i]
		if p.Prefix == "" || p.Prefix[0] != '/' {
			return fmt.Errorf("proxy[%d].prefix must start with '/'; got %q", i, p.Prefix)
		}
		if strings.HasPrefix(p.Prefix, InternalPrefix) {
			return fmt.Errorf("proxy[%d].prefix %q conflicts with reserved prefix %q", i, p.Prefix, InternalPrefix)
		}
		if seen[p.Prefix] {
			return fmt.Errorf("proxy[%d].prefix %q is declared more than once", i, p.Prefix)
		}
		seen[p.Prefix] = true

		if _, err := parseTarget(p.Target); err != nil {
			return fmt.Errorf("proxy[%d].target: %w", i, err)
		}
		if p.Rewrite != nil {
			if _, err := regexp.Compile(p.Rewrite.Pattern); err != nil {
				return fmt.Errorf("proxy[%d].rewrite.pattern: %w", i, err)
			}
		}
	}
	return nil
}

func (c *Config) validateAssets() error {
	switch strings.ToLower(c.Assets.Mode) {
	case AssetsStatic, AssetsNone, "":
		return nil
	case AssetsProxy:
		if _, err := parseTarget(c.Assets.Target); err != nil {
			return fmt.Errorf("assets.target: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("assets.mode must be one of: static, proxy, none; got %q", c.Assets.Mode)
	}
}

// parseTarget parses an upstream origin. Only http and https are accepted.
func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("must include a host; got %q", raw)
	}
	return u, nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5173
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.CORS.Enabled && len(c.Server.CORS.AllowedOrigins) == 0 {
		c.Server.CORS.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Assets.Mode = strings.ToLower(c.Assets.Mode)
	if c.Assets.Mode == "" {
		c.Assets.Mode = AssetsStatic
	}
	if c.Assets.Root == "" {
		c.Assets.Root = "dist"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = InternalPrefix + "/metrics"
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

// FilePath returns the path the config was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Rules converts the configured proxy entries into routing rules,
// preserving declaration order.
func (c *Config) Rules() ([]model.ProxyRule, error) {
	rules := make([]model.ProxyRule, 0, len(c.Proxy))
	for i, p := range c.Proxy {
		target, err := parseTarget(p.Target)
		if err != nil {
			return nil, fmt.Errorf("proxy[%d].target: %w", i, err)
		}
		rule := model.ProxyRule{
			Prefix:             p.Prefix,
			Target:             target,
			ChangeOrigin:       p.ChangeOrigin,
			VerifyUpstreamCert: !p.InsecureSkipVerify,
		}
		if p.Rewrite != nil {
			re, err := regexp.Compile(p.Rewrite.Pattern)
			if err != nil {
				return nil, fmt.Errorf("proxy[%d].rewrite.pattern: %w", i, err)
			}
			rule.Rewrite = &model.PathRewrite{Pattern: re, Replacement: p.Rewrite.Replacement}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Addr returns the server listen address as host:port.
// A wildcard host ("0.0.0.0", "::" or "*") binds all interfaces.
func (c *ServerConfig) Addr() string {
	host := c.Host
	if c.BindsAll() {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// BindsAll reports whether the server listens on every interface.
func (c *ServerConfig) BindsAll() bool {
	switch c.Host {
	case "", "0.0.0.0", "::", "*":
		return true
	}
	return false
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
