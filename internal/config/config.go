// Package config loads the single YAML configuration file that drives a
// backupforce run, with environment-variable overrides, via
// github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables for one backupforce invocation.
type Config struct {
	Source      ConnectionConfig `mapstructure:"source"`
	Target      ConnectionConfig `mapstructure:"target"`
	OutputRoot  string           `mapstructure:"output_root"`
	Parallelism int              `mapstructure:"parallelism"`
	BatchSize   int              `mapstructure:"batch_size"`
	Compress    bool             `mapstructure:"compress"`

	Sink SinkConfig `mapstructure:"sink"`

	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// ConnectionConfig names one tenant's endpoint parameters. The session
// token itself is never read from this file; it comes from
// internal/credentials.Store (spec.md §1 "external collaborators").
type ConnectionConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	APIVersion string `mapstructure:"api_version"`
}

// SinkConfig selects and configures the destination (spec.md §4.3).
type SinkConfig struct {
	Kind     string `mapstructure:"kind"` // "file", "mysql", "dolt"
	Root     string `mapstructure:"root"` // file sink only
	DSN      string `mapstructure:"dsn"`  // mysql/dolt sink only
	Recreate bool   `mapstructure:"recreate"`
	Schema   string `mapstructure:"schema"`
}

// Load reads the YAML file at path (if non-empty) and layers
// BACKUPFORCE_-prefixed environment variables on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BACKUPFORCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("parallelism", 15)
	v.SetDefault("batch_size", 200)
	v.SetDefault("http_timeout", 120*time.Second)
	v.SetDefault("source.api_version", "62.0")
	v.SetDefault("target.api_version", "62.0")
	v.SetDefault("sink.kind", "file")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Parallelism > 15 {
		cfg.Parallelism = 15
	}

	return &cfg, nil
}
