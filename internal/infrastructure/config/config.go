package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the VitalMesh telemetry core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig          `yaml:"mqtt"`
	Router    RouterConfig        `yaml:"router"`
	Priority  PriorityLensConfig  `yaml:"priority_lens"`
	Throttled ThrottledLensConfig `yaml:"throttled_lens"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// MQTTConfig contains measurement bus connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RouterConfig contains demand-driven ingress settings.
type RouterConfig struct {
	// Tiers are the importance shards the router subscribes to while at
	// least one lens is registered. Order is not significant.
	Tiers []string `yaml:"tiers"`
}

// QualityTierConfig overrides the built-in cadence and interest limit for
// one priority-lens quality tier. Zero values keep the defaults.
type QualityTierConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	MaxSensors int `yaml:"max_sensors"`
}

// PriorityLensConfig contains per-subscriber lens settings.
type PriorityLensConfig struct {
	// Tiers overrides built-in quality tier parameters, keyed by tier name
	// (high, medium, low, minimal, paused).
	Tiers map[string]QualityTierConfig `yaml:"tiers"`

	// HighFrequencyAttributes lists attribute IDs buffered as append-only
	// sample lists instead of overwrite-latest, preserving waveform
	// continuity between flushes.
	HighFrequencyAttributes []string `yaml:"high_frequency_attributes"`

	// IdleSweepIntervalMS is the cadence of the safety-net sweep that
	// removes registrations whose owning context is already done.
	IdleSweepIntervalMS int `yaml:"idle_sweep_interval_ms"`
}

// ThrottledLensConfig contains broadcast lens settings.
type ThrottledLensConfig struct {
	// RatesHz are the fixed broadcast rates, one flush timer and topic each.
	RatesHz []int `yaml:"rates_hz"`

	// ClearRateHz names the tier responsible for clearing the shared table.
	// Zero selects the fastest configured rate.
	ClearRateHz int `yaml:"clear_rate_hz"`
}

// MetricsConfig contains the optional Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VITALMESH_SECTION_KEY
// For example: VITALMESH_MQTT_HOST, VITALMESH_METRICS_LISTEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults. The result is valid
// against a local development broker without a config file.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "vitalmesh-core",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Router: RouterConfig{
			Tiers: []string{"high", "medium", "low"},
		},
		Priority: PriorityLensConfig{
			HighFrequencyAttributes: []string{"ecg", "ppg", "emg", "rsp", "eda"},
			IdleSweepIntervalMS:     30000,
		},
		Throttled: ThrottledLensConfig{
			RatesHz: []int{5, 10, 20},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9109",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VITALMESH_SECTION_KEY
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VITALMESH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VITALMESH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VITALMESH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("VITALMESH_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("VITALMESH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// knownQualityTiers are the tier names accepted in priority_lens.tiers.
var knownQualityTiers = map[string]bool{
	"high":    true,
	"medium":  true,
	"low":     true,
	"minimal": true,
	"paused":  true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}

	if len(c.Router.Tiers) == 0 {
		errs = append(errs, "router.tiers must name at least one importance tier")
	}

	for name, tier := range c.Priority.Tiers {
		if !knownQualityTiers[name] {
			errs = append(errs, fmt.Sprintf("priority_lens.tiers: unknown tier %q", name))
		}
		if tier.IntervalMS < 0 || tier.MaxSensors < 0 {
			errs = append(errs, fmt.Sprintf("priority_lens.tiers.%s: values must be non-negative", name))
		}
	}
	if c.Priority.IdleSweepIntervalMS <= 0 {
		errs = append(errs, "priority_lens.idle_sweep_interval_ms must be positive")
	}

	if len(c.Throttled.RatesHz) == 0 {
		errs = append(errs, "throttled_lens.rates_hz must name at least one rate")
	}
	seen := map[int]bool{}
	for _, hz := range c.Throttled.RatesHz {
		if hz <= 0 {
			errs = append(errs, "throttled_lens.rates_hz entries must be positive")
			break
		}
		if seen[hz] {
			errs = append(errs, fmt.Sprintf("throttled_lens.rates_hz: duplicate rate %d", hz))
		}
		seen[hz] = true
	}
	if c.Throttled.ClearRateHz != 0 && !seen[c.Throttled.ClearRateHz] {
		errs = append(errs, fmt.Sprintf("throttled_lens.clear_rate_hz %d is not a configured rate", c.Throttled.ClearRateHz))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IdleSweepInterval returns the priority lens sweep cadence as a Duration.
func (c *Config) IdleSweepInterval() time.Duration {
	return time.Duration(c.Priority.IdleSweepIntervalMS) * time.Millisecond
}
