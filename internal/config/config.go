package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
)

// Config represents the convo configuration file
type Config struct {
	// DataDir holds the database, session files and logs. Defaults to ~/.convo.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Storage   session.Config  `json:"storage" mapstructure:"storage"`
	Model     model.Config    `json:"model" mapstructure:"model"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	TickInterval    time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	ToFile    bool   `json:"to_file" mapstructure:"to_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig controls OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// MetricsConfig controls the periodic session gauge refresh
type MetricsConfig struct {
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// DefaultConfig returns a config with default values. Paths derived from
// DataDir are filled in by the loader.
func DefaultConfig() *Config {
	return &Config{
		Storage: session.Config{
			Backend:          session.BackendSQLite,
			FallbackToMemory: true,
		},
		Model: model.Config{
			Provider:    model.ProviderGroq,
			Model:       model.DefaultModel(model.ProviderGroq),
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     model.DefaultTimeout,
		},
		Gateway: GatewayConfig{
			Addr:            "127.0.0.1:8080",
			TickInterval:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			ToFile:    true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "convo",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			RefreshSchedule: "@every 1m",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = "***"
	}
	if masked.Storage.DSN != "" {
		masked.Storage.DSN = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateBackend(c.Storage.Backend); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	switch c.Storage.Backend {
	case session.BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: path is required for the sqlite backend")
		}
	case session.BackendJSONL:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage: dir is required for the jsonl backend")
		}
	case session.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for the postgres backend")
		}
	}

	if err := v.ValidateProvider(c.Model.Provider); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := v.ValidateTemperature(c.Model.Temperature); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := v.ValidateMaxTokens(c.Model.MaxTokens); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("model: timeout must not be negative")
	}
	if c.Model.APIKey != "" {
		if err := v.ValidateAPIKey(c.Model.APIKey, c.Model.Provider); err != nil {
			return fmt.Errorf("model: %w", err)
		}
	}

	if err := v.ValidateAddr(c.Gateway.Addr); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Gateway.TickInterval < 0 || c.Gateway.ShutdownTimeout < 0 {
		return fmt.Errorf("gateway: intervals must not be negative")
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be between 0 and 1")
	}

	if err := v.ValidateSchedule(c.Metrics.RefreshSchedule); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}
