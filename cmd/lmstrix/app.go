package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/twardoch/lmstrix"
	"github.com/twardoch/lmstrix/pkg/config"
	"github.com/twardoch/lmstrix/pkg/logging"
	"github.com/twardoch/lmstrix/services/backend"
	"github.com/twardoch/lmstrix/services/lock"
	"github.com/twardoch/lmstrix/services/metrics"
	"github.com/twardoch/lmstrix/services/progress"
	"github.com/twardoch/lmstrix/services/registry"
	"github.com/twardoch/lmstrix/services/telemetry"
)

// app bundles every long-lived collaborator one CLI invocation needs. Build
// once per command via newApp, always release via app.close.
type app struct {
	core          *lmstrix.Core
	store         *registry.Store
	metrics       *metrics.ProbeMetrics
	meter         *telemetry.MeterRecorder
	emitter       *progress.Emitter
	procLock      *lock.ProcessLock
	shutdown      telemetry.Shutdown
	meterShutdown telemetry.Shutdown
}

// newApp loads configuration, wires the global logger and tracer provider,
// acquires the process lock, and builds the core facade. Every resource it
// opens is released by app.close, even on a partial failure — callers that
// get a non-nil error back still get a non-nil *app safe to close.
func newApp(ctx context.Context) (*app, error) {
	if err := config.Load(); err != nil {
		return &app{}, fmt.Errorf("loading configuration: %w", err)
	}
	cfg := config.Global

	logger := logging.New(logging.Config{Service: "lmstrix", LogDir: cfg.Storage.LogDir})
	slog.SetDefault(logger.Slog())

	a := &app{}

	if cfg.Observability.TracingEnabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  "lmstrix",
			OTLPEndpoint: cfg.Observability.OTLPEndpoint,
			Insecure:     true,
		})
		if err != nil {
			return a, fmt.Errorf("initializing telemetry: %w", err)
		}
		a.shutdown = shutdown
	}

	if cfg.Observability.MetricsEnabled {
		a.metrics = metrics.New(prometheus.DefaultRegisterer)

		meter, meterShutdown, err := telemetry.InitMeter(ctx, telemetry.Config{ServiceName: "lmstrix"})
		if err != nil {
			return a, fmt.Errorf("initializing meter provider: %w", err)
		}
		a.meter = meter
		a.meterShutdown = meterShutdown
	}

	lockDir := filepath.Dir(cfg.Storage.RegistryPath)
	a.procLock = lock.New(lockDir, "lmstrix")
	if err := a.procLock.Acquire(); err != nil {
		return a, err
	}

	store, err := registry.Open(cfg.Storage.RegistryPath)
	if err != nil {
		return a, fmt.Errorf("opening registry: %w", err)
	}
	a.store = store

	var apiKey string
	if cfg.Backend.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Backend.APIKeyEnv)
	}
	prober := backend.New(backend.Config{
		BaseURL:     cfg.Backend.BaseURL,
		APIKey:      apiKey,
		SettleDelay: cfg.Backend.SettleDelay,
	})

	a.emitter = progress.NewEmitter()
	a.core = lmstrix.New(store, prober, cfg.Storage.JournalDir)
	return a, nil
}

// serveAddrFromConfig returns the configured status-server listen address.
func serveAddrFromConfig() string {
	return config.Global.Server.Addr
}

// close releases every resource newApp opened, in reverse order, logging
// rather than failing on any individual release error — a command that
// already produced its result should not exit non-zero over cleanup.
func (a *app) close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.procLock != nil {
		if err := a.procLock.Release(); err != nil {
			slog.Warn("releasing process lock", "error", err)
		}
	}
	if a.meterShutdown != nil {
		if err := a.meterShutdown(ctx); err != nil {
			slog.Warn("shutting down meter provider", "error", err)
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			slog.Warn("shutting down telemetry", "error", err)
		}
	}
}
