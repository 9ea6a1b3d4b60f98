// Package config provides configuration management for dispatchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite3" uses Path; driver "pgx" uses the Postgres fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BrokerConfig holds lease, loop, and query tuning.
type BrokerConfig struct {
	TaskTimeoutHours        int `mapstructure:"taskTimeoutHours"`
	ReclaimerPeriodSeconds  int `mapstructure:"reclaimerPeriodSeconds"`
	RecurrencePeriodSeconds int `mapstructure:"recurrencePeriodSeconds"`
	DefaultQueryLimit       int `mapstructure:"defaultQueryLimit"`
	MaxQueryLimit           int `mapstructure:"maxQueryLimit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TaskTimeout returns the stale-lease threshold as a time.Duration.
func (b *BrokerConfig) TaskTimeout() time.Duration {
	return time.Duration(b.TaskTimeoutHours) * time.Hour
}

// ReclaimerPeriod returns the reclaimer loop cadence as a time.Duration.
func (b *BrokerConfig) ReclaimerPeriod() time.Duration {
	return time.Duration(b.ReclaimerPeriodSeconds) * time.Second
}

// RecurrencePeriod returns the materializer loop cadence as a time.Duration.
func (b *BrokerConfig) RecurrencePeriod() time.Duration {
	return time.Duration(b.RecurrencePeriodSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite unless a Postgres host is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./dispatchd.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dispatchd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "dispatchd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dispatchd")
	v.SetDefault("nats.maxReconnects", 10)

	// MCP server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Broker defaults
	v.SetDefault("broker.taskTimeoutHours", 24)
	v.SetDefault("broker.reclaimerPeriodSeconds", 60)
	v.SetDefault("broker.recurrencePeriodSeconds", 60)
	v.SetDefault("broker.defaultQueryLimit", 100)
	v.SetDefault("broker.maxQueryLimit", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DISPATCHD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/dispatchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	// TASK_TIMEOUT_HOURS is also honored without the prefix for compatibility
	// with existing agent deployments.
	_ = v.BindEnv("broker.taskTimeoutHours", "TASK_TIMEOUT_HOURS", "DISPATCHD_BROKER_TASK_TIMEOUT_HOURS")
	_ = v.BindEnv("broker.reclaimerPeriodSeconds", "RECLAIMER_PERIOD_SECONDS", "DISPATCHD_BROKER_RECLAIMER_PERIOD_SECONDS")
	_ = v.BindEnv("broker.recurrencePeriodSeconds", "RECURRENCE_PERIOD_SECONDS", "DISPATCHD_BROKER_RECURRENCE_PERIOD_SECONDS")
	_ = v.BindEnv("broker.defaultQueryLimit", "DEFAULT_QUERY_LIMIT", "DISPATCHD_BROKER_DEFAULT_QUERY_LIMIT")
	_ = v.BindEnv("database.path", "DISPATCHD_DB_PATH", "DISPATCHD_DATABASE_PATH")
	_ = v.BindEnv("database.dbName", "DISPATCHD_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "DISPATCHD_DATABASE_SSL_MODE")
	_ = v.BindEnv("database.maxConns", "DISPATCHD_DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.minConns", "DISPATCHD_DATABASE_MIN_CONNS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if cfg.Broker.TaskTimeoutHours <= 0 {
		errs = append(errs, "broker.taskTimeoutHours must be positive")
	}
	if cfg.Broker.ReclaimerPeriodSeconds <= 0 {
		errs = append(errs, "broker.reclaimerPeriodSeconds must be positive")
	}
	if cfg.Broker.RecurrencePeriodSeconds <= 0 {
		errs = append(errs, "broker.recurrencePeriodSeconds must be positive")
	}
	if cfg.Broker.DefaultQueryLimit <= 0 {
		errs = append(errs, "broker.defaultQueryLimit must be positive")
	}
	if cfg.Broker.MaxQueryLimit < cfg.Broker.DefaultQueryLimit {
		errs = append(errs, "broker.maxQueryLimit must be >= broker.defaultQueryLimit")
	}

	// Logging validation
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
