// Package config loads process configuration and persists user settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds process configuration. User-adjustable behavior lives in
// Settings instead.
type Config struct {
	// DataDir holds the database, the cache directory and settings.yaml.
	DataDir string `mapstructure:"data-dir" validate:"required"`

	// Backend
	APIBaseURL     string `mapstructure:"api-base-url" validate:"required,url"`
	RequestTimeout int    `mapstructure:"request-timeout-seconds" validate:"gte=1,lte=300"`
	MaxRetries     int    `mapstructure:"max-retries" validate:"gte=0,lte=10"`

	// Companion server
	ListenAddr string `mapstructure:"listen-addr" validate:"required"`

	LogLevel       string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	MetricsEnabled bool   `mapstructure:"metrics-enabled"`
	Telemetry      bool   `mapstructure:"telemetry"`

	// Patients synced in addition to those already cached.
	Patients []string `mapstructure:"patients"`
}

// DBPath is the SQLite database file.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "medportal.db") }

// CacheDir is the root of the study file cache.
func (c *Config) CacheDir() string { return filepath.Join(c.DataDir, "cache") }

// ImageCacheDir is the root of the image pipeline's disk cache.
func (c *Config) ImageCacheDir() string { return filepath.Join(c.DataDir, "images") }

// QueueDir holds the network client's durable request queue.
func (c *Config) QueueDir() string { return filepath.Join(c.DataDir, "queue") }

// SettingsPath is the persisted settings file.
func (c *Config) SettingsPath() string { return filepath.Join(c.DataDir, "settings.yaml") }

// VaultDir holds encrypted credentials.
func (c *Config) VaultDir() string { return filepath.Join(c.DataDir, "secure") }

// Load reads configuration from defaults, an optional config file and
// MEDPORTAL_* environment variables, in increasing precedence. An empty
// path searches ./config.yaml and $HOME/.medportal/config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data-dir", "$HOME/.medportal")
	v.SetDefault("api-base-url", "https://portal.example.org/api")
	v.SetDefault("request-timeout-seconds", 30)
	v.SetDefault("max-retries", 3)
	v.SetDefault("listen-addr", "127.0.0.1:8765")
	v.SetDefault("log-level", "info")
	v.SetDefault("metrics-enabled", true)
	v.SetDefault("telemetry", false)
	v.SetDefault("patients", []string{})

	// Environment variables (MEDPORTAL_DATA_DIR, MEDPORTAL_API_BASE_URL, ...)
	v.SetEnvPrefix("MEDPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.medportal")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = filepath.Clean(os.ExpandEnv(cfg.DataDir))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
