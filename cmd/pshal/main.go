// pshal - power supply hardware abstraction layer
//
// pshal drives the magnet power supplies of a beamline or test stand. Each
// supply runs its own control loop that reconciles operator requests with
// the hardware readbacks; the service exposes them over an HTTP/WebSocket
// API and publishes their state on MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/infn-epics/pshal/migrations"

	"github.com/infn-epics/pshal/internal/api"
	"github.com/infn-epics/pshal/internal/beamline"
	"github.com/infn-epics/pshal/internal/channel"
	"github.com/infn-epics/pshal/internal/history"
	"github.com/infn-epics/pshal/internal/infrastructure/config"
	"github.com/infn-epics/pshal/internal/infrastructure/database"
	"github.com/infn-epics/pshal/internal/infrastructure/influxdb"
	"github.com/infn-epics/pshal/internal/infrastructure/logging"
	"github.com/infn-epics/pshal/internal/infrastructure/mqtt"
	"github.com/infn-epics/pshal/internal/powersupply"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// stopTimeout bounds the shutdown of all control loops.
const stopTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting pshal",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyStore := history.NewStore(db.DB)
	recorder := history.NewRecorder(historyStore, log.Component("history"), cfg.GetHistoryRetention())
	recorder.Start(ctx)
	defer func() {
		recorder.Stop()
		if n := recorder.Dropped(); n > 0 {
			log.Warn("transitions dropped by history recorder", "count", n)
		}
	}()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	provider, closeProvider, err := openTransport(cfg, mqttClient, log)
	if err != nil {
		return fmt.Errorf("opening %s transport: %w", cfg.Transport.Kind, err)
	}
	defer closeProvider()
	log.Info("transport ready", "kind", cfg.Transport.Kind)

	env := powersupply.Env{
		Channels: provider,
		Layout:   layout(cfg.Beamline.Layout),
		Logger:   log.Component("powersupply"),
		History:  recorder,
	}
	if influxClient != nil {
		env.Telemetry = influxClient
	}

	fleet, err := buildFleet(cfg, env, log)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		log.Info("stopping power supplies")
		if stopErr := fleet.StopAll(stopCtx); stopErr != nil {
			log.Error("error stopping power supplies", "error", stopErr)
		}
	}()

	if mqttClient != nil {
		fleet.PublishTo(mqttClient, mqtt.Topics{}.SupplyState)
		fleet.PublishAll()
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.Component("api"),
			Fleet:       fleet,
			History:     historyStore,
			DB:          db,
			WaitTimeout: cfg.GetWaitTimeout(),
			Version:     version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.Beamline.Exercise {
		go exercise(ctx, fleet, cfg.GetWaitTimeout(), log)
	}

	log.Info("initialisation complete, waiting for shutdown signal", "supplies", fleet.Len())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("pshal stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PSHAL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PSHAL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openTransport returns the channel provider selected by transport.kind
// and a function releasing it.
func openTransport(cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) (channel.Provider, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportMQTT:
		if mqttClient == nil {
			return nil, nil, errors.New("mqtt transport needs an MQTT connection")
		}
		p := channel.NewMQTTProvider(mqttClient, byte(cfg.MQTT.QoS)) // #nosec G115 -- validated 0..2
		return p, func() { _ = p.Close() }, nil

	case config.TransportModbus:
		mc := cfg.Transport.Modbus
		registers := make(map[string]channel.Register, len(mc.Registers))
		for pv, r := range mc.Registers {
			registers[pv] = channel.Register{Address: r.Address, Scale: r.Scale, Signed: r.Signed}
		}
		p, err := channel.DialModbus(channel.ModbusConfig{
			Endpoint:     mc.Endpoint,
			UnitID:       byte(mc.UnitID), // #nosec G115 -- validated 0..247
			Timeout:      time.Duration(mc.Timeout) * time.Millisecond,
			PollInterval: time.Duration(mc.PollInterval) * time.Millisecond,
			Registers:    registers,
		}, log.Component("modbus"))
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil

	case config.TransportSim:
		return channel.NewBus(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// layout converts the configured suffix overrides.
func layout(l config.LayoutConfig) channel.SupplyLayout {
	return channel.SupplyLayout{
		CurrentReadback:  l.CurrentReadback,
		PolarityReadback: l.PolarityReadback,
		ModeReadback:     l.ModeReadback,
		CurrentCommand:   l.CurrentCommand,
		PolarityCommand:  l.PolarityCommand,
		ModeCommand:      l.ModeCommand,
	}
}

// buildFleet loads the magnet list, applies the filter and instantiates a
// driver per selected magnet. Magnets whose driver fails are skipped; a
// fleet without any supply is an error.
func buildFleet(cfg *config.Config, env powersupply.Env, log *logging.Logger) (*beamline.Fleet, error) {
	list, err := beamline.Load(cfg.Beamline.File)
	if err != nil {
		return nil, fmt.Errorf("loading magnet list: %w", err)
	}

	f := cfg.Beamline.Filter
	selected, err := beamline.Filter{Type: f.Type, Zone: f.Zone, Pattern: f.Pattern}.Apply(list.Magnets)
	if err != nil {
		return nil, fmt.Errorf("filtering magnet list: %w", err)
	}
	log.Info("magnet list loaded",
		"path", cfg.Beamline.File,
		"magnets", len(list.Magnets),
		"selected", len(selected),
		"io_points", len(list.Points),
	)

	// The sim transport has no hardware behind it, so every supply gets a
	// simulated one.
	if cfg.Transport.Kind == config.TransportSim {
		for i := range selected {
			selected[i].Driver = powersupply.DriverSim
		}
	}

	fleet := beamline.NewFleet(env, log.Component("beamline"))
	if addErr := fleet.Add(selected...); addErr != nil {
		log.Warn("some supplies could not be created", "error", addErr)
	}
	if fleet.Len() == 0 {
		_ = fleet.StopAll(context.Background())
		return nil, fmt.Errorf("no power supply could be created from %s", cfg.Beamline.File)
	}
	if pointErr := fleet.AddPoints(list.Points...); pointErr != nil {
		log.Warn("some I/O points could not be bound", "error", pointErr)
	}
	return fleet, nil
}

// exercise runs the standby/on/sweep/standby check once and logs the report.
func exercise(ctx context.Context, fleet *beamline.Fleet, wait time.Duration, log *logging.Logger) {
	log.Info("exercising power supplies", "supplies", fleet.Len())
	report, err := fleet.Exercise(ctx, beamline.ExerciseConfig{WaitTimeout: wait})
	if err != nil {
		log.Error("exercise aborted", "error", err, "report", report.String())
		return
	}
	if len(report.Failed) > 0 {
		log.Warn("exercise finished with failures", "report", report.String(), "failed", report.Failed)
		return
	}
	log.Info("exercise finished", "report", report.String())
}

// healthCheck verifies all infrastructure connections are healthy. The
// MQTT and InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
