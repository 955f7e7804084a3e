// Package config provides YAML configuration loading with validation and
// environment variable substitution for the API manager, plus an
// environment-only mode that synthesizes the standard three-service route
// table from the deployment's service URL variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level API manager configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	OpenAPI   OpenAPIConfig   `yaml:"openapi" json:"openapi"`
	Routes    []RouteConfig   `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds access log output and debug settings.
type LoggingConfig struct {
	Output          string `yaml:"output" json:"output"`                         // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`               // max log file size before rotation; default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`               // number of rotated files to keep; default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days"`             // max days to retain rotated files; default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // max bytes of body to log; default: 4096
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings. The admin surface is reachable
// from allowlisted networks and/or with a bearer token signed by
// BearerSecret. At least one guard must be configured when enabled.
type AdminConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist  []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	BearerSecret string   `yaml:"bearer_secret" json:"-"`           // HS256 signing secret; never serialized
}

// OpenAPIConfig holds the OpenAPI passthrough/merge settings.
type OpenAPIConfig struct {
	Enabled      *bool  `yaml:"enabled" json:"enabled"`
	CombinedPath string `yaml:"combined_path" json:"combined_path"` // default: /combined-openapi.json
	DocsPath     string `yaml:"docs_path" json:"docs_path"`         // default: /combined-docs
	Title        string `yaml:"title" json:"title"`
	Version      string `yaml:"version" json:"version"`
}

// IsEnabled returns whether the OpenAPI endpoints are enabled (defaults to true).
func (o OpenAPIConfig) IsEnabled() bool {
	if o.Enabled == nil {
		return true
	}
	return *o.Enabled
}

// RouteConfig defines a single proxy route: a path prefix mapped to an
// upstream base URL.
type RouteConfig struct {
	PathPrefix     string                `yaml:"path_prefix" json:"path_prefix"`
	Upstream       string                `yaml:"upstream" json:"upstream"`
	StripPrefix    bool                  `yaml:"strip_prefix" json:"strip_prefix"`
	Methods        []string              `yaml:"methods" json:"methods"`
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"`
	Headers        map[string]string     `yaml:"headers" json:"headers,omitempty"`
	RateOverride   *RateLimitConfig      `yaml:"rate_override" json:"rate_override,omitempty"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
	LogLevel       string                `yaml:"log_level" json:"log_level"`       // "debug", "info", "warn", "error", "none"; default: "info"
	OpenAPIPath    string                `yaml:"openapi_path" json:"openapi_path"` // upstream document path; default: /openapi.json
}

// ConnectionPoolConfig holds per-upstream HTTP transport pool bounds.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	MaxPerHost     int           `yaml:"max_per_host" json:"max_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Timeout returns the route timeout as a time.Duration.
func (r RouteConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ValidLogLevels are the accepted log level strings for routes.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// serviceDefaults maps each standard upstream to its compose-network
// default address, matching the original deployment layout.
var serviceDefaults = map[string]struct {
	host string
	port int
}{
	"login":        {"login", 8001},
	"offers":       {"offers", 8002},
	"transactions": {"transactions", 8003},
	"monero":       {"monero", 8004},
}

// NormalizeServiceURL resolves a service URL environment value to a full
// base URL. An empty value falls back to the service's default address;
// a bare hostname gets an http scheme and the service's default port;
// trailing slashes are always stripped.
func NormalizeServiceURL(val, service string) string {
	def, known := serviceDefaults[service]
	v := strings.TrimRight(strings.TrimSpace(val), "/")
	if v == "" {
		if !known {
			return ""
		}
		return fmt.Sprintf("http://%s:%d", def.host, def.port)
	}
	if strings.Contains(v, "://") {
		return v
	}
	if known {
		return fmt.Sprintf("http://%s:%d", v, def.port)
	}
	return "http://" + v
}

// FromEnv builds a configuration without a config file, mirroring the
// original deployment: the listen port comes from API_MANAGER_PORT and
// the standard routes from LOGIN_SERVICE_URL, OFFERS_SERVICE_URL,
// TRANSACTIONS_SERVICE_URL, and MONERO_SERVICE_URL. The /auth,
// /transactions, and /monero prefixes are stripped before forwarding;
// /offers is preserved.
func FromEnv() (*Config, error) {
	port := 8000
	if p := os.Getenv("API_MANAGER_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("API_MANAGER_PORT: invalid port %q: %w", p, err)
		}
		port = n
	}

	cfg := &Config{
		Server: ServerConfig{Port: port},
		Routes: []RouteConfig{
			{
				PathPrefix:  "/auth",
				Upstream:    NormalizeServiceURL(os.Getenv("LOGIN_SERVICE_URL"), "login"),
				StripPrefix: true,
			},
			{
				PathPrefix: "/offers",
				Upstream:   NormalizeServiceURL(os.Getenv("OFFERS_SERVICE_URL"), "offers"),
			},
			{
				PathPrefix:  "/transactions",
				Upstream:    NormalizeServiceURL(os.Getenv("TRANSACTIONS_SERVICE_URL"), "transactions"),
				StripPrefix: true,
			},
			{
				PathPrefix:  "/monero",
				Upstream:    NormalizeServiceURL(os.Getenv("MONERO_SERVICE_URL"), "monero"),
				StripPrefix: true,
			},
		},
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating env config: %w", err)
	}

	cfg.Warnings = collectWarnings(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10485760 // 10 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	// OpenAPI defaults
	if cfg.OpenAPI.CombinedPath == "" {
		cfg.OpenAPI.CombinedPath = "/combined-openapi.json"
	}
	if cfg.OpenAPI.DocsPath == "" {
		cfg.OpenAPI.DocsPath = "/combined-docs"
	}
	if cfg.OpenAPI.Title == "" {
		cfg.OpenAPI.Title = "Pupero API Manager (Combined)"
	}
	if cfg.OpenAPI.Version == "" {
		cfg.OpenAPI.Version = "1.0.0"
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].TimeoutMs == 0 {
			cfg.Routes[i].TimeoutMs = 30000
		}
		if cfg.Routes[i].OpenAPIPath == "" {
			cfg.Routes[i].OpenAPIPath = "/openapi.json"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 && cfg.Admin.BearerSecret == "" {
			return fmt.Errorf("admin requires ip_allowlist and/or bearer_secret when enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Routes {
		if r.PathPrefix == "" {
			return fmt.Errorf("routes[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("routes[%d].path_prefix must start with /", i)
		}
		if r.Upstream == "" {
			return fmt.Errorf("routes[%d].upstream is required", i)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil {
			return fmt.Errorf("routes[%d].upstream: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("routes[%d].upstream: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("routes[%d].upstream: host is required", i)
		}
		if seen[r.PathPrefix] {
			return fmt.Errorf("duplicate route path_prefix: %s", r.PathPrefix)
		}
		seen[r.PathPrefix] = true

		if r.TimeoutMs < 0 {
			return fmt.Errorf("routes[%d].timeout_ms must be non-negative", i)
		}
		if !ValidLogLevels[r.LogLevel] {
			return fmt.Errorf("routes[%d].log_level must be one of debug, info, warn, error, none; got %q", i, r.LogLevel)
		}
		if r.OpenAPIPath != "" && !strings.HasPrefix(r.OpenAPIPath, "/") {
			return fmt.Errorf("routes[%d].openapi_path must start with /", i)
		}
		if r.ConnectionPool != nil {
			cp := r.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("routes[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("routes[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.MaxPerHost < 0 {
				return fmt.Errorf("routes[%d].connection_pool.max_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("routes[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.BearerSecret, "${") {
		warnings = append(warnings, "admin.bearer_secret contains unresolved environment variable")
	}
	for _, r := range cfg.Routes {
		if strings.Contains(r.Upstream, "${") {
			warnings = append(warnings, fmt.Sprintf("route %s upstream contains unresolved environment variable", r.PathPrefix))
		}
	}
	return warnings
}
