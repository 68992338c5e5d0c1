package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the pshal service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	Beamline  BeamlineConfig  `yaml:"beamline"`
}

// SiteConfig identifies the installation (machine, beamline or test stand).
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how long control transitions are kept (days). 0 keeps everything.
	HistoryRetention int `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// Enabled connects to the broker for supply state publication. The mqtt
	// transport requires it.
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig throttles operator commands (current/state writes).
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Transport kinds.
const (
	TransportMQTT   = "mqtt"
	TransportModbus = "modbus"
	TransportSim    = "sim"
)

// TransportConfig selects how process variables reach the hardware.
type TransportConfig struct {
	// Kind is one of "mqtt", "modbus" or "sim".
	Kind   string       `yaml:"kind"`
	Modbus ModbusConfig `yaml:"modbus"`
}

// ModbusConfig maps process variables onto holding registers of one endpoint.
type ModbusConfig struct {
	Endpoint     string                    `yaml:"endpoint"`
	UnitID       int                       `yaml:"unit_id"`
	Timeout      int                       `yaml:"timeout_ms"`
	PollInterval int                       `yaml:"poll_interval_ms"`
	Registers    map[string]RegisterConfig `yaml:"registers"`
}

// RegisterConfig describes a single process variable register.
type RegisterConfig struct {
	Address uint16  `yaml:"address"`
	Scale   float64 `yaml:"scale"`
	Signed  bool    `yaml:"signed"`
}

// BeamlineConfig points at the magnet list and selects which supplies to run.
type BeamlineConfig struct {
	// File is a YAML or CSV magnet list.
	File string `yaml:"file"`

	Filter FilterConfig `yaml:"filter"`
	Layout LayoutConfig `yaml:"layout"`

	// Exercise runs the standby/on/sweep/standby sequence once after startup.
	Exercise bool `yaml:"exercise"`

	// WaitTimeout bounds each state change during Exercise (seconds).
	WaitTimeout int `yaml:"wait_timeout"`
}

// FilterConfig restricts the magnet list. "ALL" or empty matches everything.
type FilterConfig struct {
	Type    string `yaml:"type"`
	Zone    string `yaml:"zone"`
	Pattern string `yaml:"pattern"`
}

// LayoutConfig overrides the per-supply channel suffixes.
type LayoutConfig struct {
	CurrentReadback  string `yaml:"current_rb"`
	PolarityReadback string `yaml:"polarity_rb"`
	ModeReadback     string `yaml:"mode_rb"`
	CurrentCommand   string `yaml:"current"`
	PolarityCommand  string `yaml:"polarity"`
	ModeCommand      string `yaml:"mode"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PSHAL_SECTION_KEY
// For example: PSHAL_DATABASE_PATH, PSHAL_TRANSPORT_KIND
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "lab-001",
			Name: "pshal",
		},
		Database: DatabaseConfig{
			Path:             "./data/pshal.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pshal-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 90,
				Idle:  60,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             20,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Transport: TransportConfig{
			Kind: TransportMQTT,
			Modbus: ModbusConfig{
				UnitID:       1,
				Timeout:      1000,
				PollInterval: 500,
			},
		},
		Beamline: BeamlineConfig{
			File:        "configs/magnets.yaml",
			WaitTimeout: 60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PSHAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PSHAL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PSHAL_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("PSHAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PSHAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("PSHAL_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("PSHAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("PSHAL_TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("PSHAL_MODBUS_ENDPOINT"); v != "" {
		cfg.Transport.Modbus.Endpoint = v
	}

	if v := os.Getenv("PSHAL_BEAMLINE_FILE"); v != "" {
		cfg.Beamline.File = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "api.rate_limit.requests_per_minute must be positive")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	switch c.Transport.Kind {
	case TransportMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "mqtt.enabled must be true for the mqtt transport")
		}
	case TransportSim:
	case TransportModbus:
		if c.Transport.Modbus.Endpoint == "" {
			errs = append(errs, "transport.modbus.endpoint is required for the modbus transport")
		}
		if c.Transport.Modbus.UnitID < 0 || c.Transport.Modbus.UnitID > 247 {
			errs = append(errs, "transport.modbus.unit_id must be between 0 and 247")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.kind %q must be mqtt, modbus or sim", c.Transport.Kind))
	}

	if c.Beamline.File == "" {
		errs = append(errs, "beamline.file is required")
	}
	if c.Beamline.WaitTimeout <= 0 {
		errs = append(errs, "beamline.wait_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHistoryRetention returns the transition history retention as a Duration.
// Zero means history is never pruned.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Database.HistoryRetention) * 24 * time.Hour
}

// GetWaitTimeout returns the per-step wait used by the beamline exercise.
func (c *Config) GetWaitTimeout() time.Duration {
	return time.Duration(c.Beamline.WaitTimeout) * time.Second
}
