// Package config provides centralized configuration management for geosync.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Fetch    FetchConfig
	Convert  ConvertConfig
	Ingest   IngestConfig
	Catalog  CatalogConfig
	Sync     SyncConfig
	Reaper   ReaperConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds settings for the operations HTTP server.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// MaxUploadSize caps ad-hoc layer uploads in bytes (default: 512MB)
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"536870912"`
}

// DatabaseConfig holds PostGIS connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 8)
	MaxConns int `env:"DB_MAX_CONNS" default:"8"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// FetchConfig holds source download settings.
type FetchConfig struct {
	// Timeout bounds a single download, headers through body (default: 5m)
	Timeout time.Duration `env:"FETCH_TIMEOUT" default:"5m"`

	// MaxBytes aborts downloads larger than this many bytes (default: 2GB)
	MaxBytes int64 `env:"FETCH_MAX_BYTES" default:"2147483648"`

	// UserAgent is sent with every HTTP request
	UserAgent string `env:"FETCH_USER_AGENT" default:"geosync/1.0"`

	// TokenParam is the query parameter carrying source tokens (default: token)
	TokenParam string `env:"FETCH_TOKEN_PARAM" default:"token"`

	// TempDir holds downloads while they are processed (default: OS temp dir)
	TempDir string `env:"FETCH_TEMP_DIR"`
}

// ConvertConfig holds format conversion settings.
type ConvertConfig struct {
	// Mode selects the converter: ogr2ogr, native, or auto (default: auto)
	Mode string `env:"CONVERT_MODE" default:"auto"`

	// OGR2OGRPath is the ogr2ogr binary (default: ogr2ogr from PATH)
	OGR2OGRPath string `env:"OGR2OGR_PATH" default:"ogr2ogr"`

	// Timeout bounds one conversion subprocess (default: 15m)
	Timeout time.Duration `env:"CONVERT_TIMEOUT" default:"15m"`
}

// IngestConfig holds ingestion engine settings.
type IngestConfig struct {
	// StagingSchema is where ephemeral staging relations are created (default: public)
	StagingSchema string `env:"STAGING_SCHEMA" default:"public"`

	// ReportOutputLimit truncates converter stdout/stderr in run reports (default: 4000)
	ReportOutputLimit int `env:"REPORT_OUTPUT_LIMIT" default:"4000"`
}

// CatalogConfig holds source catalog settings.
type CatalogConfig struct {
	// SourcesFile is an optional YAML file overriding or extending the defaults
	SourcesFile string `env:"SOURCES_FILE"`

	// Bootstrap upserts the built-in default sources on startup (default: true)
	Bootstrap bool `env:"CATALOG_BOOTSTRAP" default:"true"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	// MaxConcurrent is the maximum number of parallel sync invocations (default: 1)
	MaxConcurrent int `env:"SYNC_MAX_CONCURRENT" default:"1"`

	// MaxWaitTime is how long a trigger waits for a sync slot (default: 10s)
	MaxWaitTime time.Duration `env:"SYNC_MAX_WAIT" default:"10s"`

	// Interval runs a scheduled sync of enabled sources; 0 disables (default: 0)
	Interval time.Duration `env:"SYNC_INTERVAL" default:"0s"`
}

// ReaperConfig holds settings for the staging relation reaper.
type ReaperConfig struct {
	// Interval is how often orphaned staging relations are swept (default: 1h)
	Interval time.Duration `env:"REAPER_INTERVAL" default:"1h"`

	// StaleRunAge marks runs still running after this long as failed (default: 6h)
	StaleRunAge time.Duration `env:"STALE_RUN_AGE" default:"6h"`

	// AuditRetention deletes audit events older than this; 0 keeps them forever (default: 2160h)
	AuditRetention time.Duration `env:"AUDIT_RETENTION" default:"2160h"`
}

// SecurityConfig holds HTTP access settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects /api requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"API_REQUIRE_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the HTTP server (default: true)
	Enabled bool `env:"METRICS_ENABLED" default:"true"`

	// Namespace prefixes every metric name (default: geosync)
	Namespace string `env:"METRICS_NAMESPACE" default:"geosync"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
