package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/infn-epics/pshal/internal/channel"
	"github.com/infn-epics/pshal/internal/infrastructure/config"
	"github.com/infn-epics/pshal/internal/infrastructure/logging"
	"github.com/infn-epics/pshal/internal/powersupply"
)

const testMagnets = `
magnets:
  - QUATB001:
      prefix: SPARC:PS
      root: QUATB001
      zone: TB
      type: QUA
      driver: dante
      param: {max: 10, min: 0, sim_cycle: 0.01}
  - CORTB002:
      prefix: SPARC:PS
      root: CORTB002
      zone: TB
      type: COR
      driver: dante
      param: {bipolar: true, max: 2, min: -2, sim_cycle: 0.01}
  - DIPTM001:
      prefix: SPARC:PS
      root: DIPTM001
      zone: TM
      type: DIP
      driver: dante
      param: {max: 10, min: 0, sim_cycle: 0.01}
io:
  - ALAS0:
      prefix: SPARC:TEMP:ALAS0
      kind: RTD
`

// writeTestFiles writes a magnet list and a config selecting the sim
// transport, with MQTT, InfluxDB and the API disabled.
func writeTestFiles(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()

	magnets := filepath.Join(dir, "magnets.yaml")
	if err := os.WriteFile(magnets, []byte(testMagnets), 0600); err != nil {
		t.Fatalf("writing magnets: %v", err)
	}

	cfg := `
site:
  id: test-site
database:
  path: ":memory:"
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: discard
transport:
  kind: sim
beamline:
  file: ` + magnets + `
  wait_timeout: 5
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeTestFiles(t, extra))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Output: "discard"}, "test")
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("PSHAL_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_EmptyMagnetList verifies run fails when no supply can be created.
func TestRun_EmptyMagnetList(t *testing.T) {
	path := writeTestFiles(t, "")
	empty := filepath.Join(filepath.Dir(path), "empty.yaml")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PSHAL_CONFIG", path)
	t.Setenv("PSHAL_BEAMLINE_FILE", empty)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without supplies")
	}
}

// TestRun_SimShutdown starts the service on the sim transport and stops it
// through context cancellation.
func TestRun_SimShutdown(t *testing.T) {
	t.Setenv("PSHAL_CONFIG", writeTestFiles(t, ""))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PSHAL_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("PSHAL_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q", path)
	}
}

func TestOpenTransport(t *testing.T) {
	cfg := testConfig(t, "")

	p, closeFn, err := openTransport(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("openTransport(sim) error = %v", err)
	}
	defer closeFn()
	if _, ok := p.(*channel.Bus); !ok {
		t.Errorf("sim provider = %T, want *channel.Bus", p)
	}

	cfg.Transport.Kind = config.TransportMQTT
	if _, _, err := openTransport(cfg, nil, testLogger()); err == nil {
		t.Error("openTransport(mqtt) without a client succeeded")
	}

	cfg.Transport.Kind = "ca"
	if _, _, err := openTransport(cfg, nil, testLogger()); err == nil {
		t.Error("openTransport(ca) succeeded")
	}
}

func TestLayout(t *testing.T) {
	l := layout(config.LayoutConfig{CurrentReadback: ":I_RB", ModeCommand: ":MODE_SP"}).WithDefaults()
	if l.CurrentReadback != ":I_RB" || l.ModeCommand != ":MODE_SP" {
		t.Errorf("overrides lost: %+v", l)
	}
	if l.PolarityReadback != channel.DefaultSupplyLayout.PolarityReadback {
		t.Errorf("PolarityReadback = %q, want default", l.PolarityReadback)
	}
}

func TestBuildFleet(t *testing.T) {
	cfg := testConfig(t, `
  filter:
    zone: TB
`)
	bus := channel.NewBus()

	fleet, err := buildFleet(cfg, powersupply.Env{Channels: bus}, testLogger())
	if err != nil {
		t.Fatalf("buildFleet() error = %v", err)
	}
	defer func() { _ = fleet.StopAll(context.Background()) }()

	if fleet.Len() != 2 {
		t.Errorf("fleet.Len() = %d, want 2 (zone TB)", fleet.Len())
	}
	for _, d := range fleet.Supplies() {
		if d.Driver() != powersupply.DriverSim {
			t.Errorf("%s driver = %s, want sim on the sim transport", d.Name(), d.Driver())
		}
	}
	if len(fleet.Points()) != 1 {
		t.Errorf("points = %d, want 1", len(fleet.Points()))
	}
}

func TestExercise_Sim(t *testing.T) {
	cfg := testConfig(t, "")
	fleet, err := buildFleet(cfg, powersupply.Env{Channels: channel.NewBus()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fleet.StopAll(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exercise(ctx, fleet, 5*time.Second, testLogger())

	for _, d := range fleet.Supplies() {
		if d.State() != powersupply.StateStandby {
			t.Errorf("%s state after exercise = %s, want STANDBY", d.Name(), d.State())
		}
	}
}
