// Package config handles loading and validating jib gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the jib gateway.
type Config struct {
	DataDir       string                `yaml:"data_dir,omitempty"`      // Persistent data directory. Default: ~/.jib/data. Override: JIB_DATA_DIR env var.
	Secrets       SecretsConfig         `yaml:"secrets"`                 // Host secret file location.
	Sessions      SessionsConfig        `yaml:"sessions"`                // Sandbox session lifetimes.
	ControlAPI    *ControlAPIConfig     `yaml:"control_api,omitempty"`   // nil = control API disabled.
	Proxy         *ProxyConfig          `yaml:"proxy,omitempty"`         // nil = TLS interception proxy disabled.
	Forge         ForgeConfig           `yaml:"forge"`                   // Repo-hosting API.
	Tokens        TokensConfig          `yaml:"tokens"`                  // Token refresh schedule and margin.
	CA            CAConfig              `yaml:"ca"`                      // Interception CA material and rotation.
	Audit         AuditConfig           `yaml:"audit"`                   // Audit log destinations.
	Observability *ObservabilityConfig  `yaml:"observability,omitempty"` // nil = observability disabled.
}

// SecretsConfig locates the host-provided credential material.
type SecretsConfig struct {
	Path string `yaml:"path"` // key=value secret file. Override: JIB_SECRETS_PATH env var.
}

// SessionsConfig controls per-sandbox session tokens.
type SessionsConfig struct {
	DefaultTTLMinutes int `yaml:"default_ttl_minutes"` // Default: 480 (one working day).
}

// DefaultTTL returns the session lifetime, defaulting to 8 hours.
func (s SessionsConfig) DefaultTTL() time.Duration {
	if s.DefaultTTLMinutes <= 0 {
		return 8 * time.Hour
	}
	return time.Duration(s.DefaultTTLMinutes) * time.Minute
}

// ControlAPIConfig configures the HTTP control API.
type ControlAPIConfig struct {
	Enabled             bool            `yaml:"enabled"`
	ListenAddr          string          `yaml:"listen_addr"` // Default: "127.0.0.1:7317".
	EnableDocs          bool            `yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `yaml:"max_request_size_bytes"` // 0 = 1 MB.
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

// Addr returns the listen address, defaulting to the loopback control port.
func (c *ControlAPIConfig) Addr() string {
	if c != nil && c.ListenAddr != "" {
		return c.ListenAddr
	}
	return "127.0.0.1:7317"
}

// RateLimitConfig configures the per-session token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `yaml:"burst_size"`
}

// ProxyConfig configures the TLS interception listener.
type ProxyConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ListenAddr  string   `yaml:"listen_addr"`  // Default: "127.0.0.1:7443".
	BumpHosts   []string `yaml:"bump_hosts"`   // SNI names that get credential injection.
	SpliceHosts []string `yaml:"splice_hosts"` // SNI names tunneled unmodified. Anything else is refused.
}

// Addr returns the proxy listen address, defaulting to the loopback port.
func (p *ProxyConfig) Addr() string {
	if p != nil && p.ListenAddr != "" {
		return p.ListenAddr
	}
	return "127.0.0.1:7443"
}

// ForgeConfig configures the repo-hosting API client.
type ForgeConfig struct {
	APIBaseURL            string `yaml:"api_base_url"`           // Default: "https://api.github.com".
	InstallationID        int64  `yaml:"installation_id"`        // App installation for token refresh.
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"` // Default: 10.
	VisibilityTTLSeconds  int    `yaml:"visibility_ttl_seconds"`  // Default: 300.
}

// BaseURL returns the forge API base, defaulting to api.github.com.
func (f ForgeConfig) BaseURL() string {
	if f.APIBaseURL != "" {
		return strings.TrimRight(f.APIBaseURL, "/")
	}
	return "https://api.github.com"
}

// RequestTimeout returns the bounded per-call timeout.
func (f ForgeConfig) RequestTimeout() time.Duration {
	if f.RequestTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(f.RequestTimeoutSeconds) * time.Second
}

// VisibilityTTL returns the visibility cache TTL, defaulting to 5 minutes.
func (f ForgeConfig) VisibilityTTL() time.Duration {
	if f.VisibilityTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(f.VisibilityTTLSeconds) * time.Second
}

// TokensConfig configures the token lifecycle manager.
type TokensConfig struct {
	RefreshMarginMinutes int    `yaml:"refresh_margin_minutes"` // Default: 15.
	SweepSchedule        string `yaml:"sweep_schedule"`         // Cron expression. Default: "* * * * *" (every minute).
}

// RefreshMargin is how far ahead of expiry a refresh is triggered.
func (t TokensConfig) RefreshMargin() time.Duration {
	if t.RefreshMarginMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(t.RefreshMarginMinutes) * time.Minute
}

// Sweep returns the cron schedule for the token state sweep.
func (t TokensConfig) Sweep() string {
	if t.SweepSchedule == "" {
		return "* * * * *"
	}
	return t.SweepSchedule
}

// CAConfig configures interception CA material.
type CAConfig struct {
	RotationSchedule string `yaml:"rotation_schedule"` // Cron expression. Default: "0 4 * * *" (daily).
	RotationPeriodH  int    `yaml:"rotation_period_hours"` // Minimum CA age before a scheduled rotation fires. Default: 24.
	GraceHours       int    `yaml:"grace_hours"`       // Previous CA stays trusted this long. Default: 6.
	PublishDir       string `yaml:"publish_dir"`       // Where public certs are written for the sandbox trust store.
}

// Schedule returns the rotation cron expression, defaulting to daily at 04:00.
func (c CAConfig) Schedule() string {
	if c.RotationSchedule == "" {
		return "0 4 * * *"
	}
	return c.RotationSchedule
}

// RotationPeriod returns the minimum CA age before rotation, defaulting to 24h.
func (c CAConfig) RotationPeriod() time.Duration {
	if c.RotationPeriodH <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RotationPeriodH) * time.Hour
}

// Grace returns the old-CA validity overlap, defaulting to 6h.
func (c CAConfig) Grace() time.Duration {
	if c.GraceHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.GraceHours) * time.Hour
}

// AuditConfig configures the append-only audit trail.
type AuditConfig struct {
	LogPath string         `yaml:"log_path"`          // JSONL file. Default: <data_dir>/audit.jsonl.
	Storage *StorageConfig `yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir).
}

// StorageConfig configures the audit persistence backend.
type StorageConfig struct {
	Driver   string                 `yaml:"driver"`             // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `yaml:"sqlite,omitempty"`   // SQLite-specific settings.
	Postgres *PostgresStorageConfig `yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `yaml:"journal_mode"`   // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`      // Default: 25
	MaxIdleConns     int    `yaml:"max_idle_conns"`      // Default: 5
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OTel trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `yaml:"protocol"`     // "grpc" (default) or "http".
	Insecure    bool    `yaml:"insecure"`     // Plain-text OTLP.
	ServiceName string  `yaml:"service_name"` // Default: "jib-gateway".
	SampleRate  float64 `yaml:"sample_rate"`  // 0 < rate <= 1. Default: 1.0.
}

// DefaultConfigPath returns the default config file path (~/.jib/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/jib.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".jib", "config.yaml")
}

// Load reads a YAML config file and returns a validated Config.
// The secret file path and data directory can be overridden by
// environment variables; environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
	}

	// Environment variable overrides.
	if envDD := os.Getenv("JIB_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envSP := os.Getenv("JIB_SECRETS_PATH"); envSP != "" {
		cfg.Secrets.Path = envSP
	}
	if envAddr := os.Getenv("JIB_CONTROL_ADDR"); envAddr != "" {
		if cfg.ControlAPI == nil {
			cfg.ControlAPI = &ControlAPIConfig{Enabled: true}
		}
		cfg.ControlAPI.ListenAddr = envAddr
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".jib", "data")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Audit.LogPath == "" {
		c.Audit.LogPath = filepath.Join(c.DataDir, "audit.jsonl")
	}
	if c.CA.PublishDir == "" {
		c.CA.PublishDir = filepath.Join(c.DataDir, "ca-public")
	}
}

// Validate checks cross-field constraints that defaulting cannot repair.
func (c *Config) Validate() error {
	if c.Secrets.Path == "" {
		return fmt.Errorf("secrets.path is required (or set JIB_SECRETS_PATH)")
	}
	if c.ControlAPI == nil && c.Proxy == nil {
		return fmt.Errorf("at least one of control_api or proxy must be configured")
	}
	if c.Proxy != nil && c.Proxy.Enabled && len(c.Proxy.BumpHosts) == 0 {
		return fmt.Errorf("proxy.bump_hosts must not be empty when the proxy is enabled")
	}
	if c.Audit.Storage.StorageDriver() == "postgres" {
		if c.Audit.Storage == nil || c.Audit.Storage.Postgres == nil || c.Audit.Storage.Postgres.DSN == "" {
			return fmt.Errorf("audit.storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
