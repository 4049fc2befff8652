// Meter Simulator
//
// metersim simulates a single utility meter publishing a monotonically
// increasing reading over MQTT. A "Disconnect" command on the control topic
// freezes the reading until "Connect" arrives, and real transport failures
// are recovered by a fixed-backoff reconnection loop.
//
// Optional components, each enabled in configs/config.yaml:
//   - An embedded MQTT broker for local development
//   - A SQLite reading journal and control-command audit log
//   - InfluxDB telemetry
//   - An HTTP/WebSocket API
//
// "metersim token" prints a bearer token for the API control endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/meter-sim/internal/api"
	"github.com/nerrad567/meter-sim/internal/audit"
	"github.com/nerrad567/meter-sim/internal/auth"
	"github.com/nerrad567/meter-sim/internal/infrastructure/broker"
	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
	"github.com/nerrad567/meter-sim/internal/infrastructure/database"
	"github.com/nerrad567/meter-sim/internal/infrastructure/influxdb"
	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
	"github.com/nerrad567/meter-sim/internal/infrastructure/mqtt"
	"github.com/nerrad567/meter-sim/internal/journal"
	"github.com/nerrad567/meter-sim/internal/meter"
	"github.com/nerrad567/meter-sim/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown once ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting meter simulator",
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

	// Embedded broker (development only)
	if cfg.MQTT.Embedded.Enabled {
		b, startErr := startBroker(ctx, cfg, log)
		if startErr != nil {
			return startErr
		}
		defer func() {
			log.Info("stopping embedded broker")
			if closeErr := b.Close(); closeErr != nil {
				log.Error("error stopping embedded broker", "error", closeErr)
			}
		}()
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT, cfg.Meter)
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
		log.Info("MQTT connected", "client_id", mqttClient.ClientID())
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	var sinks []meter.ReadingSink

	// Reading journal (optional)
	var (
		db        *database.DB
		repo      journal.Repository
		auditRepo audit.Repository
	)
	if cfg.Database.Enabled {
		db, err = openJournal(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		repo = journal.NewSQLiteRepository(db.DB)
		auditRepo = audit.NewSQLiteRepository(db.DB)
		sink := journal.NewSink(repo, cfg.Meter.ID, log)
		sinks = append(sinks, sink)

		stopPruner := startPruner(ctx, sink, cfg.Database.RetentionDays)
		defer stopPruner()
	} else {
		log.Info("reading journal disabled")
	}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sinks = append(sinks, influxClient.Sink(cfg.Meter.ID))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	svc, err := meter.NewService(meter.Deps{
		Config:    cfg.Meter,
		Backoff:   cfg.ReconnectDelay(),
		Transport: mqttClient,
		Logger:    log,
		Sinks:     sinks,
	})
	if err != nil {
		return fmt.Errorf("creating meter service: %w", err)
	}
	if auditRepo != nil {
		svc.OnCommand(audit.NewRecorder(auditRepo, cfg.Meter.ID, log).Observe)
	}

	// HTTP API (optional). Created before the meter starts so the WebSocket
	// hub sees the first tick.
	if cfg.API.Enabled {
		srv, apiErr := startAPI(ctx, cfg, svc, mqttClient, repo, auditRepo, log)
		if apiErr != nil {
			return apiErr
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting meter: %w", err)
	}
	defer svc.Close()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: meter, API, InfluxDB
	// (flushes pending points), pruner, database, MQTT, embedded broker.

	log.Info("meter simulator stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses METERSIM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("METERSIM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// runToken prints a bearer token for POST /api/v1/meter/control, signed with
// the configured security.jwt.secret.
//
//	metersim token -subject alice -ttl 2h
func runToken(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := flags.String("subject", "operator", "token subject, recorded in the audit log")
	ttl := flags.Duration("ttl", auth.DefaultTTL, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateToken(*subject, cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// startBroker starts the embedded broker and points the MQTT client at it.
func startBroker(ctx context.Context, cfg *config.Config, log *logging.Logger) (*broker.Broker, error) {
	b, err := broker.New(cfg.MQTT.Embedded, log)
	if err != nil {
		return nil, fmt.Errorf("creating embedded broker: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting embedded broker: %w", err)
	}

	cfg.MQTT.Broker.Host = cfg.MQTT.Embedded.Host
	cfg.MQTT.Broker.Port = cfg.MQTT.Embedded.Port
	cfg.MQTT.Broker.TLS = false
	return b, nil
}

// openJournal opens the SQLite database and applies pending migrations.
func openJournal(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)
	return db, nil
}

// startPruner runs the retention pruner in the background and returns a
// function that stops it and waits for it to exit.
func startPruner(ctx context.Context, sink *journal.Sink, retentionDays int) func() {
	pruneCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.RunPruner(pruneCtx, time.Duration(retentionDays)*24*time.Hour, journal.DefaultPruneInterval)
	}()
	return func() {
		cancel()
		<-done
	}
}

// startAPI builds and starts the HTTP API server.
func startAPI(ctx context.Context, cfg *config.Config, svc *meter.Service, mqttClient *mqtt.Client, repo journal.Repository, auditRepo audit.Repository, log *logging.Logger) (*api.Server, error) {
	srv, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Meter:    svc,
		MQTT:     mqttClient,
		Journal:  repo,
		Audit:    auditRepo,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "address", srv.Addr())
	return srv, nil
}

// healthCheck verifies all infrastructure connections are healthy. db and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
