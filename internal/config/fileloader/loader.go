// Package fileloader loads service configuration from a YAML file with
// environment variable overrides.
package fileloader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahrav/catalog-ingest/internal/config"
)

// FileLoader loads configuration from a file on disk, layering environment
// variables (prefixed INGEST_, e.g. INGEST_POSTGRES_PASSWORD) over file
// values. It implements the Loader interface.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from
// the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path.
// Missing keys fall back to defaults; a missing file is an error.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")

	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("kafka.client_id", "catalog-ingest")
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("ingestion.rest_period", 24*time.Hour)
	v.SetDefault("ingestion.cancel_cooldown", 24*time.Hour)
	v.SetDefault("ingestion.step_interval", time.Minute)
	v.SetDefault("ingestion.mark_retention", 7*24*time.Hour)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.probability", 0.05)
	v.SetDefault("telemetry.excluded_urls", "/v1/liveness,/v1/readiness")
}
