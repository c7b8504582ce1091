package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env if present. Real environment variables take precedence.
	_ = godotenv.Load()
}

const (
	DefaultMaxSourceBytes        = 50 << 20 // 50 MiB
	DefaultCompileTimeoutSeconds = 60
	DefaultRunTimeoutSeconds     = 30
	DefaultMaxWorkspaces         = 100
	DefaultKeepEnv               = "KEEP_TEMP"
	DefaultListenAddr            = ":8080"
	DefaultJanitorSchedule       = "@every 10m"
	DefaultJanitorMaxAgeSeconds  = 3600
)

// Config is the top-level coderun configuration.
type Config struct {
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = run history disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Janitor       JanitorConfig        `json:"janitor" yaml:"janitor"`
	LogLevel      string               `json:"log_level" yaml:"log_level"` // debug, info, warn, error. Default: info
}

// WorkspaceConfig controls where workspaces live and how many may exist.
type WorkspaceConfig struct {
	Root    string `json:"root,omitempty" yaml:"root,omitempty"`       // Default: system temp dir. Override: CODERUN_WORKSPACE_ROOT.
	Prefix  string `json:"prefix,omitempty" yaml:"prefix,omitempty"`   // Default: "coderun_".
	MaxLive int    `json:"max_live" yaml:"max_live"`                   // Default: 100. Override: CODERUN_MAX_WORKSPACES.
	Keep    bool   `json:"keep" yaml:"keep"`                           // Retain workspaces after runs.
	KeepEnv string `json:"keep_env,omitempty" yaml:"keep_env,omitempty"` // Presence of this variable sets Keep. Default: KEEP_TEMP.
}

// LimitsConfig bounds every run.
type LimitsConfig struct {
	CompileTimeoutSeconds int   `json:"compile_timeout_seconds" yaml:"compile_timeout_seconds"` // Default: 60
	RunTimeoutSeconds     int   `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`         // Default: 30
	MaxSourceBytes        int64 `json:"max_source_bytes" yaml:"max_source_bytes"`               // Default: 50 MiB
}

// CompileTimeout returns the compile-phase bound.
func (l LimitsConfig) CompileTimeout() time.Duration {
	if l.CompileTimeoutSeconds <= 0 {
		return DefaultCompileTimeoutSeconds * time.Second
	}
	return time.Duration(l.CompileTimeoutSeconds) * time.Second
}

// RunTimeout returns the run-phase bound.
func (l LimitsConfig) RunTimeout() time.Duration {
	if l.RunTimeoutSeconds <= 0 {
		return DefaultRunTimeoutSeconds * time.Second
	}
	return time.Duration(l.RunTimeoutSeconds) * time.Second
}

// StorageConfig configures the run history database.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.

	// RetentionDays prunes history rows older than this while serving. 0 = keep forever.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// Retention returns how long history rows are kept, or 0 for forever.
func (s *StorageConfig) Retention() time.Duration {
	if s == nil || s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// StorageDriver returns the effective driver name.
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: ~/.coderun/history.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig groups metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "coderun"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures failure-rate alerts per language.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failing runs
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// HTTPConfig configures `coderun serve`.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: CODERUN_LISTEN_ADDR.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: MaxSourceBytes + 64 KiB
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Empty = no auth. Override: CODERUN_API_KEY.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// JanitorConfig configures the stale-workspace sweeper.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // cron spec. Default: "@every 10m"
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // Default: 3600
}

// MaxAge returns how old an unowned workspace must be before it is swept.
func (j JanitorConfig) MaxAge() time.Duration {
	if j.MaxAgeSeconds <= 0 {
		return DefaultJanitorMaxAgeSeconds * time.Second
	}
	return time.Duration(j.MaxAgeSeconds) * time.Second
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns ~/.coderun/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coderun.yaml"
	}
	return filepath.Join(home, ".coderun", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. An empty path yields defaults. Environment variables take
// precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file values with CODERUN_* variables.
func (c *Config) applyEnv() error {
	c.Workspace.Root = goutils.Env("CODERUN_WORKSPACE_ROOT", c.Workspace.Root)
	c.HTTP.ListenAddr = goutils.Env("CODERUN_LISTEN_ADDR", c.HTTP.ListenAddr)
	c.LogLevel = goutils.Env("CODERUN_LOG_LEVEL", c.LogLevel)

	if v := goutils.Env("CODERUN_MAX_WORKSPACES", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODERUN_MAX_WORKSPACES: %w", err)
		}
		c.Workspace.MaxLive = n
	}
	if v := goutils.Env("CODERUN_COMPILE_TIMEOUT", ""); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("CODERUN_COMPILE_TIMEOUT: %w", err)
		}
		c.Limits.CompileTimeoutSeconds = d
	}
	if v := goutils.Env("CODERUN_RUN_TIMEOUT", ""); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("CODERUN_RUN_TIMEOUT: %w", err)
		}
		c.Limits.RunTimeoutSeconds = d
	}
	if dsn := goutils.Env("CODERUN_DB_DSN", ""); dsn != "" {
		c.Storage = storageFromDSN(dsn)
	}
	if key := goutils.Env("CODERUN_API_KEY", ""); key != "" {
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, key)
	}

	keepEnv := c.Workspace.KeepEnv
	if keepEnv == "" {
		keepEnv = DefaultKeepEnv
	}
	if _, ok := os.LookupEnv(keepEnv); ok {
		c.Workspace.Keep = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.MaxLive == 0 {
		c.Workspace.MaxLive = DefaultMaxWorkspaces
	}
	if c.Workspace.KeepEnv == "" {
		c.Workspace.KeepEnv = DefaultKeepEnv
	}
	if c.Limits.CompileTimeoutSeconds == 0 {
		c.Limits.CompileTimeoutSeconds = DefaultCompileTimeoutSeconds
	}
	if c.Limits.RunTimeoutSeconds == 0 {
		c.Limits.RunTimeoutSeconds = DefaultRunTimeoutSeconds
	}
	if c.Limits.MaxSourceBytes == 0 {
		c.Limits.MaxSourceBytes = DefaultMaxSourceBytes
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = DefaultListenAddr
	}
	if c.HTTP.MaxRequestSizeBytes == 0 {
		c.HTTP.MaxRequestSizeBytes = c.Limits.MaxSourceBytes + 64<<10
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = DefaultJanitorSchedule
	}
	if c.Janitor.MaxAgeSeconds == 0 {
		c.Janitor.MaxAgeSeconds = DefaultJanitorMaxAgeSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Workspace.MaxLive < 0 {
		return fmt.Errorf("workspace.max_live must not be negative")
	}
	if c.Limits.CompileTimeoutSeconds < 0 {
		return fmt.Errorf("limits.compile_timeout_seconds must not be negative")
	}
	if c.Limits.RunTimeoutSeconds < 0 {
		return fmt.Errorf("limits.run_timeout_seconds must not be negative")
	}
	if c.Limits.MaxSourceBytes < 0 {
		return fmt.Errorf("limits.max_source_bytes must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" && c.Storage != nil &&
		(c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	if c.Storage != nil && c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days must not be negative")
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if c.Janitor.MaxAgeSeconds < 0 {
		return fmt.Errorf("janitor.max_age_seconds must not be negative")
	}
	if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
		return fmt.Errorf("janitor.schedule %q: %w", c.Janitor.Schedule, err)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}

// StorageEnabled reports whether run history should be recorded.
func (c *Config) StorageEnabled() bool {
	return c.Storage != nil
}

// SQLitePath returns the effective SQLite database path.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "coderun.db"
	}
	return filepath.Join(home, ".coderun", "history.db")
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", s)
	}
}

// parseSeconds accepts whole seconds ("45") or a Go duration of at least
// one second with no fractional part ("90s", "2m").
func parseSeconds(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < time.Second || d%time.Second != 0 {
		return 0, fmt.Errorf("%q is not a whole number of seconds", v)
	}
	return int(d / time.Second), nil
}

// storageFromDSN picks the driver from the shape of dsn: PostgreSQL URLs and
// keyword/value strings select postgres, anything else is a SQLite path.
func storageFromDSN(dsn string) *StorageConfig {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return &StorageConfig{Driver: "postgres", Postgres: &PostgresStorageConfig{DSN: dsn}}
	}
	return &StorageConfig{Driver: "sqlite", SQLite: &SQLiteStorageConfig{Path: dsn}}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
