// Package config provides configuration management for MASC.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for MASC.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Room       RoomConfig       `mapstructure:"room"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Bus        BusConfig        `mapstructure:"bus"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
}

// ServerConfig holds transport configuration.
type ServerConfig struct {
	HTTPAddr     string `mapstructure:"http_addr"` // empty disables the HTTP transport
	Stdio        bool   `mapstructure:"stdio"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// RoomConfig holds room location and liveness configuration.
type RoomConfig struct {
	Base            string        `mapstructure:"base"`
	Project         string        `mapstructure:"project"`
	ZombieThreshold time.Duration `mapstructure:"zombie_threshold"`
	GCDays          int           `mapstructure:"gc_days"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`  // file, redis, postgres
	Compress bool           `mapstructure:"compress"` // zstd-compress values at rest
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds Redis backend connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// PostgresConfig holds Postgres backend connection configuration.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// BusConfig selects the event bus provider.
type BusConfig struct {
	Provider      string `mapstructure:"provider"` // memory, nats
	NATSURL       string `mapstructure:"nats_url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LimitsConfig holds request body and rate limits.
type LimitsConfig struct {
	MaxBodyBytes int64      `mapstructure:"max_body_bytes"`
	Rate         RateConfig `mapstructure:"rate"`
}

// RateConfig holds per-category token rates (tokens per minute) and the
// shared burst pool size.
type RateConfig struct {
	General   int `mapstructure:"general"`
	Broadcast int `mapstructure:"broadcast"`
	TaskOps   int `mapstructure:"task_ops"`
	FileLock  int `mapstructure:"file_lock"`
	Burst     int `mapstructure:"burst"`
}

// FeaturesConfig selects the enabled tool categories.
type FeaturesConfig struct {
	Mode       string `mapstructure:"mode"` // minimal, standard, full, solo, custom
	CustomFile string `mapstructure:"custom_file"`
}

// AuditConfig controls the governance level of the audit log.
type AuditConfig struct {
	Level string `mapstructure:"level"` // off, basic, full
}

// TelemetryConfig controls the tool-call recorder.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ClusterConfig names the cluster for NATS subject prefixes.
type ClusterConfig struct {
	Name string `mapstructure:"name"`
}

// EncryptionConfig carries the at-rest codec key. The codec itself is an
// external collaborator; a non-empty key only switches it on.
type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("MASC_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_addr", ":8765")
	v.SetDefault("server.stdio", true)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Room defaults
	v.SetDefault("room.base", ".")
	v.SetDefault("room.project", "")
	v.SetDefault("room.zombie_threshold", "5m")
	v.SetDefault("room.gc_days", 7)

	// Storage defaults - file backend needs no connection settings
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.compress", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 25)
	v.SetDefault("storage.postgres.min_conns", 5)

	// Bus defaults - memory provider means in-process fan-out only
	v.SetDefault("bus.provider", "memory")
	v.SetDefault("bus.nats_url", "")
	v.SetDefault("bus.max_reconnects", 10)

	// Limits defaults
	v.SetDefault("limits.max_body_bytes", int64(20*1024*1024))
	v.SetDefault("limits.rate.general", 120)
	v.SetDefault("limits.rate.broadcast", 30)
	v.SetDefault("limits.rate.task_ops", 60)
	v.SetDefault("limits.rate.file_lock", 30)
	v.SetDefault("limits.rate.burst", 3)

	// Feature mode defaults
	v.SetDefault("features.mode", "standard")
	v.SetDefault("features.custom_file", "")

	// Audit defaults
	v.SetDefault("audit.level", "basic")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.db_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stderr")

	// Cluster defaults
	v.SetDefault("cluster.name", "")

	// Encryption defaults
	v.SetDefault("encryption.key", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MASC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.masc/, or /etc/masc/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MASC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented env var names that do not match
	// the derived MASC_<SECTION>_<KEY> pattern.
	_ = v.BindEnv("limits.max_body_bytes", "MASC_MCP_MAX_BODY_BYTES", "MASC_LIMITS_MAX_BODY_BYTES")
	_ = v.BindEnv("telemetry.enabled", "MASC_TELEMETRY_ENABLED")
	_ = v.BindEnv("encryption.key", "MASC_ENCRYPTION_KEY")
	_ = v.BindEnv("cluster.name", "MASC_CLUSTER_NAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.masc")
	}
	v.AddConfigPath("/etc/masc/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Room.Base == "" {
		errs = append(errs, "room.base must not be empty")
	}
	if cfg.Room.ZombieThreshold <= 0 {
		errs = append(errs, "room.zombie_threshold must be positive")
	}
	if cfg.Room.GCDays <= 0 {
		errs = append(errs, "room.gc_days must be positive")
	}

	switch cfg.Storage.Backend {
	case "file":
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required when storage.backend is redis")
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			errs = append(errs, "storage.postgres.dsn is required when storage.backend is postgres")
		}
	default:
		errs = append(errs, "storage.backend must be one of: file, redis, postgres")
	}

	switch cfg.Bus.Provider {
	case "memory":
	case "nats":
		if cfg.Bus.NATSURL == "" {
			errs = append(errs, "bus.nats_url is required when bus.provider is nats")
		}
	default:
		errs = append(errs, "bus.provider must be one of: memory, nats")
	}

	if cfg.Limits.MaxBodyBytes <= 0 {
		errs = append(errs, "limits.max_body_bytes must be positive")
	}
	rate := cfg.Limits.Rate
	if rate.General <= 0 || rate.Broadcast <= 0 || rate.TaskOps <= 0 || rate.FileLock <= 0 {
		errs = append(errs, "limits.rate categories must be positive")
	}
	if rate.Burst < 0 {
		errs = append(errs, "limits.rate.burst must not be negative")
	}

	validModes := map[string]bool{"minimal": true, "standard": true, "full": true, "solo": true, "custom": true}
	if !validModes[strings.ToLower(cfg.Features.Mode)] {
		errs = append(errs, "features.mode must be one of: minimal, standard, full, solo, custom")
	}
	if strings.ToLower(cfg.Features.Mode) == "custom" && cfg.Features.CustomFile == "" {
		errs = append(errs, "features.custom_file is required when features.mode is custom")
	}

	validAudit := map[string]bool{"off": true, "basic": true, "full": true}
	if !validAudit[strings.ToLower(cfg.Audit.Level)] {
		errs = append(errs, "audit.level must be one of: off, basic, full")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
