// Package config holds the serializable configuration surface of an
// edgebind daemon and the validated runtime views derived from it.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for an edgebind daemon. Library
// consumers usually build an HTTPSConfig directly and never touch the rest.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log,omitempty" json:"log,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// ServerConfig groups the listener surfaces.
type ServerConfig struct {
	HTTPS HTTPSConfig `yaml:"https" json:"https"`
}

// LogConfig selects the daemon's log output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// MetricsConfig controls the plaintext Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName string  `yaml:"service-name,omitempty" json:"service-name,omitempty"`
	SampleRate  float64 `yaml:"sample-rate,omitempty" json:"sample-rate,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Default returns the configuration a file overlays.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPS: HTTPSConfig{
				ClientAuth:    string(ClientCertNone),
				MinTLSVersion: "1.2",
			},
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: "127.0.0.1:9464"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "edgebind",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Load reads, overlays and validates the configuration file at path. YAML
// is the primary format with a JSON fallback.
func Load(path string) (*Config, error) {
	// #nosec G304 -- the path is operator-supplied at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		cfg = Default()
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config file %s: %v", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("EDGEBIND_KEYSTORE_PASSWORD"); val != "" {
		cfg.Server.HTTPS.Keystore.Password = val
	}
	if val := os.Getenv("EDGEBIND_TRUSTSTORE_PASSWORD"); val != "" {
		cfg.Server.HTTPS.Truststore.Password = val
	}
	if val := os.Getenv("EDGEBIND_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
}

// Validate checks the whole tree. The HTTPS section is only validated when
// enabled.
func (c *Config) Validate() error {
	if err := c.Server.HTTPS.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return MissingFieldError("metrics.address")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return MissingFieldError("telemetry.endpoint")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return InvalidValueError("telemetry.sample-rate", c.Telemetry.SampleRate,
			"must be between 0 and 1")
	}
	return nil
}

// Validate checks the log section.
func (c LogConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return InvalidValueError("log.level", c.Level, "unknown log level").
			WithSuggestion("Use one of debug, info, warn, error")
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return InvalidValueError("log.format", c.Format, "unknown log format").
			WithSuggestion("Use text or json")
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
