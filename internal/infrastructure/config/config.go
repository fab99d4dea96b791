// Package config loads process configuration from environment variables
// and optional layout preset files.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	DeviceService DeviceServiceConfig
	Exec          ExecConfig
	Logging       LogConfig
	RateLimit     RateLimitConfig
	Layout        LayoutConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8700"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// DeviceServiceConfig holds device-management backend endpoints: the
// multiplexed event channel and the request/response API.
type DeviceServiceConfig struct {
	EventsURL string `envconfig:"DEVICE_EVENTS_URL" default:"ws://localhost:8701/events"`
	APIURL    string `envconfig:"DEVICE_API_URL" default:"http://localhost:8701"`
}

// ExecConfig holds execution collaborator configuration.
type ExecConfig struct {
	TimeoutSeconds int `envconfig:"EXEC_TIMEOUT" default:"30"`
	MaxRetries     int `envconfig:"EXEC_MAX_RETRIES" default:"3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LayoutConfig holds the optional pane layout preset.
type LayoutConfig struct {
	PresetPath string `envconfig:"LAYOUT_PRESET" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8700",
			Host: "0.0.0.0",
		},
		DeviceService: DeviceServiceConfig{
			EventsURL: "ws://localhost:8701/events",
			APIURL:    "http://localhost:8701",
		},
		Exec: ExecConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// LayoutPreset is a startup pane arrangement loaded from a YAML file.
type LayoutPreset struct {
	SplitMode    string            `yaml:"split_mode"`
	LinkedScroll bool              `yaml:"linked_scroll"`
	Bindings     map[string]string `yaml:"bindings"` // pane id -> device id
}

// LoadLayoutPreset parses a layout preset file. Returns nil when path is
// empty.
func LoadLayoutPreset(path string) (*LayoutPreset, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout preset: %w", err)
	}
	var preset LayoutPreset
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, fmt.Errorf("parse layout preset: %w", err)
	}
	return &preset, nil
}
