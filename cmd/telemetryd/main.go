// VitalMesh Telemetry Core
//
// This is the main entry point for the VitalMesh telemetry fan-out core:
// the layer between the MQTT measurement bus and network-facing
// subscribers. It hosts the demand-driven router and the two delivery
// lenses (per-subscriber priority, fixed-rate throttled broadcast).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitalmesh/telemetry-core/internal/infrastructure/config"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/logging"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/metrics"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/mqtt"
	"github.com/vitalmesh/telemetry-core/internal/lens/priority"
	"github.com/vitalmesh/telemetry-core/internal/lens/throttled"
	"github.com/vitalmesh/telemetry-core/internal/router"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting VitalMesh telemetry core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to the measurement bus
	bus, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bus.SetLogger(log.With("component", "mqtt"))
	bus.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	bus.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Delivery lenses
	priorityLens := priority.New(bus, cfg.Priority)
	priorityLens.SetLogger(log.With("component", "priority"))
	defer func() {
		log.Info("closing priority lens")
		priorityLens.Close()
	}()

	throttledLens := throttled.New(bus, cfg.Throttled)
	throttledLens.SetLogger(log.With("component", "throttled"))
	defer func() {
		log.Info("closing throttled lens")
		throttledLens.Close()
	}()
	log.Info("throttled broadcast active", "rates_hz", throttledLens.Rates())

	// Router: subscribes to the ingest topics while at least one lens is
	// registered, so measurement traffic only flows on demand.
	rtr := router.New(bus, cfg.Router.Tiers)
	rtr.SetLogger(log.With("component", "router"))
	defer func() {
		log.Info("closing router")
		rtr.Close()
	}()

	if err := rtr.Register(priorityLens, priorityLens.Done()); err != nil {
		return fmt.Errorf("registering priority lens: %w", err)
	}
	if err := rtr.Register(throttledLens, throttledLens.Done()); err != nil {
		return fmt.Errorf("registering throttled lens: %w", err)
	}
	log.Info("lenses registered", "consumers", rtr.ListRegistered())

	// Optional Prometheus listener
	if cfg.Metrics.Enabled {
		stopMetrics := startMetricsListener(cfg.Metrics.Listen, log)
		defer stopMetrics()
	} else {
		log.Info("metrics listener disabled")
	}

	// Verify the bus connection is healthy before declaring readiness
	if err := bus.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Metrics listener (if enabled)
	// 2. Router (drops ingest subscriptions)
	// 3. Lenses (cancel timers, discard buffers)
	// 4. MQTT

	log.Info("VitalMesh telemetry core stopped")
	return nil
}

// loadConfig loads from the config file when it exists, otherwise falls
// back to defaults plus environment overrides so the core can run against
// a local broker with no file at all.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		config.ApplyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// getConfigPath returns the configuration file path.
// Uses VITALMESH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VITALMESH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startMetricsListener serves the Prometheus registry on addr and returns
// a function that shuts the listener down.
func startMetricsListener(addr string, log *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics listener shutdown", "error", err)
		}
	}
}
