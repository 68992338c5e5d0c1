package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "sparc-tb"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8090
transport:
  kind: "modbus"
  modbus:
    endpoint: "10.0.0.5:502"
    unit_id: 3
    registers:
      "SPARC:PS:QUATB001:current_rb":
        address: 10
        scale: 0.01
        signed: true
beamline:
  file: "configs/magnets.csv"
  filter:
    type: "QUA"
    zone: "TB"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "sparc-tb" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "sparc-tb")
	}
	if cfg.Transport.Kind != TransportModbus {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportModbus)
	}
	reg, ok := cfg.Transport.Modbus.Registers["SPARC:PS:QUATB001:current_rb"]
	if !ok {
		t.Fatal("register for current_rb not loaded")
	}
	if reg.Address != 10 || reg.Scale != 0.01 || !reg.Signed {
		t.Errorf("register = %+v, want address 10 scale 0.01 signed", reg)
	}
	if cfg.Beamline.Filter.Type != "QUA" {
		t.Errorf("Beamline.Filter.Type = %q, want QUA", cfg.Beamline.Filter.Type)
	}
	// Defaults survive for sections the file does not mention.
	if cfg.Beamline.WaitTimeout != 60 {
		t.Errorf("Beamline.WaitTimeout = %d, want default 60", cfg.Beamline.WaitTimeout)
	}
	if cfg.Transport.Modbus.PollInterval != 500 {
		t.Errorf("Modbus.PollInterval = %d, want default 500", cfg.Transport.Modbus.PollInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
transport:
  kind: "carrier-pigeon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"site.id is required", "transport.kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name: "port ignored when API disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
		{
			name:    "influx enabled without URL",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name:    "modbus without endpoint",
			mutate:  func(c *Config) { c.Transport.Kind = TransportModbus },
			wantErr: true,
		},
		{
			name: "modbus with endpoint",
			mutate: func(c *Config) {
				c.Transport.Kind = TransportModbus
				c.Transport.Modbus.Endpoint = "127.0.0.1:502"
			},
			wantErr: false,
		},
		{
			name:    "sim transport",
			mutate:  func(c *Config) { c.Transport.Kind = TransportSim },
			wantErr: false,
		},
		{
			name: "sim transport without broker",
			mutate: func(c *Config) {
				c.Transport.Kind = TransportSim
				c.MQTT.Enabled = false
			},
			wantErr: false,
		},
		{
			name:    "mqtt transport without broker",
			mutate:  func(c *Config) { c.MQTT.Enabled = false },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Transport.Kind = "ca" },
			wantErr: true,
		},
		{
			name:    "missing magnet file",
			mutate:  func(c *Config) { c.Beamline.File = "" },
			wantErr: true,
		},
		{
			name:    "non-positive wait timeout",
			mutate:  func(c *Config) { c.Beamline.WaitTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative history retention",
			mutate:  func(c *Config) { c.Database.HistoryRetention = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetDurations(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{HistoryRetention: 2},
		Beamline: BeamlineConfig{WaitTimeout: 15},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.GetHistoryRetention(); got != 48*time.Hour {
		t.Errorf("GetHistoryRetention() = %v, want 48h", got)
	}
	if got := cfg.GetWaitTimeout(); got != 15*time.Second {
		t.Errorf("GetWaitTimeout() = %v, want 15s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("PSHAL_DATABASE_PATH", "/custom/path.db")
	t.Setenv("PSHAL_MQTT_HOST", "mqtt.example.com")
	t.Setenv("PSHAL_MQTT_PORT", "8883")
	t.Setenv("PSHAL_MQTT_USERNAME", "testuser")
	t.Setenv("PSHAL_MQTT_PASSWORD", "testpass")
	t.Setenv("PSHAL_API_HOST", "192.168.1.1")
	t.Setenv("PSHAL_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("PSHAL_TRANSPORT_KIND", "SIM")
	t.Setenv("PSHAL_MODBUS_ENDPOINT", "10.1.1.1:502")
	t.Setenv("PSHAL_BEAMLINE_FILE", "/etc/pshal/magnets.csv")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Transport.Kind", cfg.Transport.Kind, TransportSim},
		{"Transport.Modbus.Endpoint", cfg.Transport.Modbus.Endpoint, "10.1.1.1:502"},
		{"Beamline.File", cfg.Beamline.File, "/etc/pshal/magnets.csv"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("PSHAL_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}
	if cfg.Transport.Kind != TransportMQTT {
		t.Errorf("defaultConfig Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportMQTT)
	}
}
