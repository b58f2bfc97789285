// Package config defines the service configuration and the loading
// abstraction used at bootstrap.
package config

import (
	"fmt"
	"time"
)

// Config represents the top-level configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// APIConfig holds the HTTP server settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Addr returns the listen address for the HTTP server.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%s", c.Host, c.Port) }

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN returns the connection string for pgxpool.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// KafkaConfig holds the event bus connection settings.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	// Enabled gates the delta-forwarding surface; when false the publisher
	// stays uninitialized and delta requests fail with a 500.
	Enabled bool `mapstructure:"enabled"`
}

// IngestionConfig holds the state machine's scheduling knobs.
type IngestionConfig struct {
	// RestPeriod is the cooldown after a cycle completes or errors.
	RestPeriod time.Duration `mapstructure:"rest_period"`
	// CancelCooldown is the cooldown applied by manual cancel and purge.
	CancelCooldown time.Duration `mapstructure:"cancel_cooldown"`
	// StepInterval spaces consecutive fetch steps within a cycle.
	StepInterval time.Duration `mapstructure:"step_interval"`
	// MarkRetention is how long finished cycles keep their marks.
	MarkRetention time.Duration `mapstructure:"mark_retention"`
	// StepEndpoint is the fetch collaborator's HTTP endpoint. When empty,
	// cycles complete on their first step.
	StepEndpoint string `mapstructure:"step_endpoint"`
	// StepRateLimit caps collaborator calls per second. Zero disables the
	// limit.
	StepRateLimit float64 `mapstructure:"step_rate_limit"`
}

// TelemetryConfig holds the tracing exporter settings.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Host         string  `mapstructure:"host"`
	Probability  float64 `mapstructure:"probability"`
	ExcludedURLs string  `mapstructure:"excluded_urls"`
}

// Validate checks the configuration for values the service cannot start
// without.
func (c *Config) Validate() error {
	if c.API.Port == "" {
		return fmt.Errorf("api.port is required")
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" {
		return fmt.Errorf("postgres.host and postgres.database are required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}
