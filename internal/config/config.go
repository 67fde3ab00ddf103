package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. Timezone is an IANA zone
// name such as "America/Los_Angeles" and controls how the portal's local
// reading labels are mapped to instants.
type Config struct {
	Portal        PortalConfig   `yaml:"portal"`
	HomeAssistant HAConfig       `yaml:"home_assistant,omitempty"`
	RecorderDB    RecorderConfig `yaml:"recorder_db,omitempty"`
	MQTT          MQTTConfig     `yaml:"mqtt,omitempty"`
	Serve         ServeConfig    `yaml:"serve,omitempty"`
	Timezone      string         `yaml:"timezone,omitempty"`
	DaysToFetch   int            `yaml:"days_to_fetch,omitempty"`
}

// PortalConfig holds the water portal credentials and cached session
// state. Account and Meter are filled in after the first login; Cookies
// carries a session captured by a browser login.
type PortalConfig struct {
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Account  string   `yaml:"account,omitempty"`
	Meter    string   `yaml:"meter,omitempty"`
	Cookies  []Cookie `yaml:"cookies,omitempty"`
}

// Cookie represents a browser cookie
type Cookie struct {
	Name     string  `yaml:"name"`
	Value    string  `yaml:"value"`
	Domain   string  `yaml:"domain"`
	Path     string  `yaml:"path"`
	Expires  float64 `yaml:"expires,omitempty"`
	HTTPOnly bool    `yaml:"httpOnly,omitempty"`
	Secure   bool    `yaml:"secure,omitempty"`
	SameSite string  `yaml:"sameSite,omitempty"`
}

// HAConfig holds the Home Assistant websocket API configuration used
// for statistics. URL is the websocket endpoint, e.g.
// "ws://homeassistant.local:8123/api/websocket"; Token is a long-lived
// access token.
type HAConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	StatisticPrefix string `yaml:"statistic_prefix,omitempty"`
}

// RecorderConfig points directly at a Home Assistant recorder database
// for installs where the websocket API is unreachable. Driver is
// "sqlite" or "pgx".
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// MQTTConfig holds the sensor publisher settings. Broker takes the
// usual URL form, e.g. "tcp://localhost:1883".
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id,omitempty"`
	TopicPrefix     string `yaml:"topic_prefix,omitempty"`
	DiscoveryPrefix string `yaml:"discovery_prefix,omitempty"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
}

// ServeConfig controls the periodic import loop. Interval defaults to
// one hour; MorningCutoff is the local hour after which yesterday is no
// longer re-imported.
type ServeConfig struct {
	Interval       time.Duration `yaml:"interval,omitempty"`
	MorningCutoff  int           `yaml:"morning_cutoff,omitempty"`
	MetricsListen  string        `yaml:"metrics_listen,omitempty"`
	QuarterHourly  bool          `yaml:"quarter_hourly,omitempty"`
	PublishSensors bool          `yaml:"publish_sensors,omitempty"`
}

// Load reads the config file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// GetDaysToFetch returns the fetch window with a default of 30 days
func (c *Config) GetDaysToFetch() int {
	if c.DaysToFetch <= 0 {
		return 30
	}
	return c.DaysToFetch
}

// GetTimezone returns the reporting timezone, defaulting to the
// utility's service area
func (c *Config) GetTimezone() (*time.Location, error) {
	name := c.Timezone
	if name == "" {
		name = "America/Los_Angeles"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}

// GetServeInterval returns the loop interval with a default of one hour
func (c *Config) GetServeInterval() time.Duration {
	if c.Serve.Interval <= 0 {
		return time.Hour
	}
	return c.Serve.Interval
}

// GetMorningCutoff returns the local hour after which yesterday is no
// longer re-imported, defaulting to noon
func (c *Config) GetMorningCutoff() int {
	if c.Serve.MorningCutoff <= 0 {
		return 12
	}
	return c.Serve.MorningCutoff
}

// GetMetricsListen returns the metrics listen address
func (c *Config) GetMetricsListen() string {
	if c.Serve.MetricsListen == "" {
		return ":9180"
	}
	return c.Serve.MetricsListen
}

// GetStatisticPrefix returns the statistic id prefix ("waterscraper"
// unless overridden)
func (c *Config) GetStatisticPrefix() string {
	if c.HomeAssistant.StatisticPrefix == "" {
		return "waterscraper"
	}
	return c.HomeAssistant.StatisticPrefix
}

// GetDiscoveryPrefix returns the MQTT discovery prefix Home Assistant
// listens on
func (m MQTTConfig) GetDiscoveryPrefix() string {
	if m.DiscoveryPrefix == "" {
		return "homeassistant"
	}
	return m.DiscoveryPrefix
}

// GetTopicPrefix returns the MQTT state topic prefix
func (m MQTTConfig) GetTopicPrefix() string {
	if m.TopicPrefix == "" {
		return "waterscraper"
	}
	return m.TopicPrefix
}
