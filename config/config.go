// Package config loads client configuration for derivws binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings of a derivws client.
type Config struct {
	// Endpoint is the API host. A ws:// prefix selects a cleartext
	// connection; everything else connects over wss.
	Endpoint string `yaml:"endpoint"`
	// AppID identifies the application, as registered with Deriv.
	AppID string `yaml:"app_id"`
	// Lang sets the language of API messages.
	Lang string `yaml:"lang"`
	// Brand tags outgoing connections.
	Brand string `yaml:"brand"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ReconnectConfig tunes the automatic reconnection behaviour.
type ReconnectConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRetryCount int           `yaml:"max_retry_count"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	// PostgresDSN enables the persistent response store when set; the
	// in-process cache is used otherwise.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Endpoint: "ws.derivws.com",
		Lang:     "EN",
		Reconnect: ReconnectConfig{
			Enabled:       true,
			MaxRetryCount: 5,
			InitialDelay:  time.Second,
			MaxDelay:      60 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "derivws"},
	}
}

// Load reads a YAML configuration file on top of the defaults. An empty
// path falls back to the DERIVWS_CONFIG environment variable and is allowed
// to resolve to nothing.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("DERIVWS_CONFIG"))
	}
	if path == "" {
		return cfg.normalize()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = "ws.derivws.com"
	}
	if strings.TrimSpace(c.Lang) == "" {
		c.Lang = "EN"
	}
	if c.Reconnect.MaxRetryCount <= 0 {
		c.Reconnect.MaxRetryCount = 5
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = time.Second
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 60 * time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return Config{}, fmt.Errorf("reconnect max_delay %v below initial_delay %v",
			c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	return c, nil
}
