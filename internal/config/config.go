package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Gateway GatewayConfig `yaml:"gateway"`
	Engine  EngineConfig  `yaml:"engine"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// DataConfig locates the local replica database. The database file is
// derived as <root>/<app>/<user>.db so replicas for different apps and
// users never share state.
type DataConfig struct {
	Root string `yaml:"root"`
	App  string `yaml:"app"`
	User string `yaml:"user"`
}

// GatewayConfig contains remote gateway settings.
type GatewayConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// EngineConfig contains sync engine settings.
type EngineConfig struct {
	KeyField    string `yaml:"key_field"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// SyncConfig contains background sync settings.
type SyncConfig struct {
	AutoSync    bool     `yaml:"auto_sync"`
	Interval    Duration `yaml:"interval"`
	Collections []string `yaml:"collections"`
}

// ServerConfig contains HTTP settings for the bundled reference gateway.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SATCHEL_CONFIG_PATH", "config/satchel.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Data: DataConfig{
			Root: "~/.satchel",
			App:  "satchel",
			User: "default",
		},
		Gateway: GatewayConfig{
			URL: "http://localhost:8080",
		},
		Engine: EngineConfig{
			KeyField:    "name",
			MaxAttempts: 3,
		},
		Sync: SyncConfig{
			AutoSync: true,
			Interval: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Data
	if v := os.Getenv("SATCHEL_DATA_ROOT"); v != "" {
		cfg.Data.Root = v
	}
	if v := os.Getenv("SATCHEL_APP"); v != "" {
		cfg.Data.App = v
	}
	if v := os.Getenv("SATCHEL_USER"); v != "" {
		cfg.Data.User = v
	}

	// Gateway
	if v := os.Getenv("SATCHEL_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("SATCHEL_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}

	// Engine
	if v := os.Getenv("SATCHEL_KEY_FIELD"); v != "" {
		cfg.Engine.KeyField = v
	}
	if v := os.Getenv("SATCHEL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxAttempts = n
		}
	}

	// Sync
	if v := os.Getenv("SATCHEL_AUTO_SYNC"); v != "" {
		cfg.Sync.AutoSync = v == "true" || v == "1"
	}
	if v := os.Getenv("SATCHEL_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SATCHEL_SYNC_COLLECTIONS"); v != "" {
		var collections []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				collections = append(collections, c)
			}
		}
		cfg.Sync.Collections = collections
	}

	// Server
	if v := os.Getenv("SATCHEL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SATCHEL_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SATCHEL_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SATCHEL_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("SATCHEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SATCHEL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SATCHEL_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Data.Root == "" {
		return errors.New("data.root is required")
	}
	if c.Engine.MaxAttempts <= 0 {
		return errors.New("engine.max_attempts must be positive")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("SATCHEL_DEV_MODE") == "true" {
		return nil
	}

	if c.Gateway.APIKey == "" {
		return errors.New("SATCHEL_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
