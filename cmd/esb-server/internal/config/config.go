// Package config provides configuration management for the standalone
// transport host. It loads settings from environment variables with
// sensible defaults.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds all configuration for the transport host.
type Config struct {
	Transport TransportConfig
	Database  DatabaseConfig
	Relay     RelayConfig
}

// TransportConfig holds the transport's own settings.
type TransportConfig struct {
	Endpoint       string // Local endpoint URI
	ThreadCount    int    // Number of workers
	Retries        int    // Attempts before quarantine
	IsolationLevel string // default, read-committed, repeatable-read, serializable
	LogQueue       string // Log queue URI for the audit module, empty disables it
}

// DatabaseConfig holds the queue engine store configuration.
type DatabaseConfig struct {
	Driver   string // sqlite3, mysql, postgres
	Path     string // On-disk directory (sqlite3)
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RelayConfig selects the carrier for remote endpoints.
type RelayConfig struct {
	Kind string // none, nats, redis
	URL  string // nats URL or redis address
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	cfg := &Config{
		Transport: TransportConfig{
			Endpoint:       getEnv("ESB_ENDPOINT", "esb://localhost:2200/esb"),
			ThreadCount:    getEnvInt("ESB_THREADS", 4),
			Retries:        getEnvInt("ESB_RETRIES", 5),
			IsolationLevel: getEnv("ESB_ISOLATION", "serializable"),
			LogQueue:       getEnv("ESB_LOG_QUEUE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("ESB_DB_DRIVER", "sqlite3"),
			Path:     getEnv("ESB_DB_PATH", "./data"),
			Host:     getEnv("ESB_DB_HOST", "localhost"),
			Port:     getEnvInt("ESB_DB_PORT", 3306),
			User:     getEnv("ESB_DB_USER", "esb"),
			Password: getEnv("ESB_DB_PASSWORD", ""),
			Database: getEnv("ESB_DB_NAME", "esb"),
		},
		Relay: RelayConfig{
			Kind: getEnv("ESB_RELAY", "none"),
			URL:  getEnv("ESB_RELAY_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Transport,
		validation.Field(&c.Transport.Endpoint, validation.Required),
		validation.Field(&c.Transport.ThreadCount, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.Transport.Retries, validation.Required, validation.Min(1)),
		validation.Field(&c.Transport.IsolationLevel, validation.In(
			"default", "read-committed", "repeatable-read", "serializable")),
	); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("sqlite3", "mysql", "postgres")),
	); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if c.Database.Driver != "sqlite3" && c.Database.Password == "" {
		return fmt.Errorf("ESB_DB_PASSWORD is required for driver %s", c.Database.Driver)
	}

	if err := validation.ValidateStruct(&c.Relay,
		validation.Field(&c.Relay.Kind, validation.In("none", "nats", "redis")),
	); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	return nil
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	default:
		return ""
	}
}

// Isolation maps the configured isolation name onto database/sql.
func (c *TransportConfig) Isolation() sql.IsolationLevel {
	switch c.IsolationLevel {
	case "read-committed":
		return sql.LevelReadCommitted
	case "repeatable-read":
		return sql.LevelRepeatableRead
	case "default":
		return sql.LevelDefault
	default:
		return sql.LevelSerializable
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
