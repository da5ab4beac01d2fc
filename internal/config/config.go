package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"

	"github.com/livinlefevreloca/wakecall/internal/api"
	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/dispatcher"
	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/logging"
	"github.com/livinlefevreloca/wakecall/internal/provider"
	"github.com/livinlefevreloca/wakecall/internal/scheduler"
)

// Config represents the application configuration
type Config struct {
	Database   db.Config            `toml:"database" yaml:"database"`
	Scheduler  scheduler.Config     `toml:"scheduler" yaml:"scheduler"`
	Dispatcher dispatcher.Config    `toml:"dispatcher" yaml:"dispatcher"`
	Provider   provider.Config      `toml:"provider" yaml:"provider"`
	HTTP       api.Config           `toml:"http" yaml:"http"`
	Logging    logging.Config       `toml:"logging" yaml:"logging"`
	Metrics    events.MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverSQLite3,
			DSN:             "wakecall.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
			SkipMigrations:  false,
		},
		Scheduler:  scheduler.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
		Provider: provider.Config{
			Kind:           provider.KindLog,
			RequestTimeout: 20 * time.Second,
		},
		HTTP:    api.DefaultConfig(),
		Logging: logging.DefaultConfig(),
		Metrics: events.DefaultMetricsConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file, or YAML when the
// extension is .yaml or .yml. Keys absent from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	switch c.Database.Driver {
	case db.DriverSQLite3, db.DriverSQLite, db.DriverMySQL:
	default:
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3, sqlite, or mysql)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	// Provider validation
	switch c.Provider.Kind {
	case provider.KindLog, "":
	case provider.KindHTTP:
		if c.Provider.URL == "" {
			return fmt.Errorf("provider url must be specified for kind http")
		}
	default:
		return fmt.Errorf("unsupported provider kind: %s (must be http or log)", c.Provider.Kind)
	}

	// HTTP validation
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		return fmt.Errorf("http address must be specified when enabled")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}
