// Package config handles loading and validating the sandbox lifecycle
// manager configuration.
package config

import (
	"encoding/json"
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

// Config is the root configuration for the sandbox lifecycle manager.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Discovery     DiscoveryConfig      `json:"discovery" yaml:"discovery"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled
	Auth          *AuthConfig          `json:"auth,omitempty" yaml:"auth,omitempty"`                   // nil = no authentication
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = no rate limiting
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host     string `json:"host" yaml:"host"`           // Default: "0.0.0.0"
	Port     int    `json:"port" yaml:"port"`           // Default: 8080
	LogLevel string `json:"log_level" yaml:"log_level"` // "debug", "info" (default), "warn", "error"
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// SandboxConfig configures instance limits and port allocation.
type SandboxConfig struct {
	BasePort     int `json:"base_port" yaml:"base_port"`         // Default: 8000
	PortRange    int `json:"port_range" yaml:"port_range"`       // Ports scanned above base. Default: 1000
	MaxInstances int `json:"max_instances" yaml:"max_instances"` // Default: 10

	RPCTimeoutS     int `json:"rpc_timeout_s" yaml:"rpc_timeout_s"`         // Per-response read timeout. Default: 10
	StartTimeoutS   int `json:"start_timeout_s" yaml:"start_timeout_s"`     // Container start deadline. Default: 120
	CleanupTimeoutS int `json:"cleanup_timeout_s" yaml:"cleanup_timeout_s"` // Shutdown cleanup deadline. Default: 60
}

func (s SandboxConfig) BasePortOrDefault() int {
	if s.BasePort > 0 {
		return s.BasePort
	}
	return 8000
}

func (s SandboxConfig) PortRangeOrDefault() int {
	if s.PortRange > 0 {
		return s.PortRange
	}
	return 1000
}

func (s SandboxConfig) MaxInstancesOrDefault() int {
	if s.MaxInstances > 0 {
		return s.MaxInstances
	}
	return 10
}

func (s SandboxConfig) RPCTimeout() time.Duration {
	if s.RPCTimeoutS > 0 {
		return time.Duration(s.RPCTimeoutS) * time.Second
	}
	return 10 * time.Second
}

func (s SandboxConfig) StartTimeout() time.Duration {
	if s.StartTimeoutS > 0 {
		return time.Duration(s.StartTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

func (s SandboxConfig) CleanupTimeout() time.Duration {
	if s.CleanupTimeoutS > 0 {
		return time.Duration(s.CleanupTimeoutS) * time.Second
	}
	return time.Minute
}

// DiscoveryConfig configures repository analysis and script synthesis.
type DiscoveryConfig struct {
	Provider    string `json:"provider" yaml:"provider"`           // "openai" (default) or "ollama"
	Model       string `json:"model" yaml:"model"`                 // Default: "gpt-4o"
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // For OpenAI-compatible endpoints.
	GitHubToken string `json:"github_token,omitempty" yaml:"github_token,omitempty"`
	TimeoutS    int    `json:"timeout_s" yaml:"timeout_s"` // Discovery deadline. Default: 300
}

func (d DiscoveryConfig) ModelOrDefault() string {
	if d.Model != "" {
		return d.Model
	}
	return "gpt-4o"
}

func (d DiscoveryConfig) Timeout() time.Duration {
	if d.TimeoutS > 0 {
		return time.Duration(d.TimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with a local database file.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: ~/.onemcp/onemcp.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default)
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path, defaulting to /metrics.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "onemcp-sandbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// JanitorConfig configures the periodic resource sweep.
type JanitorConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "0 */6 * * *"
	PruneImages bool   `json:"prune_images" yaml:"prune_images"` // Remove dangling images. Default: true via nil config.
}

// CronSchedule returns the sweep schedule, defaulting to every six hours.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "0 */6 * * *"
}

// AuthConfig configures bearer token authentication for the HTTP API.
type AuthConfig struct {
	APIKeys []string `json:"api_keys" yaml:"api_keys"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60
	Burst             int `json:"burst" yaml:"burst"`                             // Default: requests_per_minute
}

func (r *RateLimitConfig) RPM() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

func (r *RateLimitConfig) BurstOrDefault() int {
	if r != nil && r.Burst > 0 {
		return r.Burst
	}
	return r.RPM()
}

// DefaultConfigPath returns the default config file path (~/.onemcp/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/onemcp.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".onemcp", "config.yaml")
}

// DefaultSQLitePath returns the default database location.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "onemcp.db"
	}
	return filepath.Join(home, ".onemcp", "onemcp.db")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file yields the defaults. Environment variables
// take precedence over config file values.
func Load(path string) (*Config, error) {
	var cfg Config

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
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

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variables on top of file values.
func applyEnvOverrides(cfg *Config) {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Discovery.APIKey = envKey
	}
	if envKey := os.Getenv("GITHUB_TOKEN"); envKey != "" {
		cfg.Discovery.GitHubToken = envKey
	}
	if envDSN := os.Getenv("ONEMCP_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("ONEMCP_API_KEY"); envKey != "" {
		if cfg.Auth == nil {
			cfg.Auth = &AuthConfig{}
		}
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, envKey)
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sandbox.BasePort < 0 || c.Sandbox.BasePort > 65535 {
		return fmt.Errorf("sandbox.base_port %d out of range", c.Sandbox.BasePort)
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required with the postgres driver")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
