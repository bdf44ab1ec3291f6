// Package main is the entry point for the workflowd process. It wires the
// storage backend, leases, engine and worker service together and runs until
// signalled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/workflow-core/config"
	"github.com/songzhibin97/workflow-core/definition"
	"github.com/songzhibin97/workflow-core/events"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/worker"
	"github.com/songzhibin97/workflow-core/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file")
	machineID := flag.Uint("machine-id", 1, "snowflake machine id, unique per process")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := config.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, locker, closeStore, err := buildStorage(cfg.Storage)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	opts := []workflow.Option{
		workflow.WithLocker(locker),
		workflow.WithLockOptions(cfg.Lock.Options()),
		workflow.WithRetryPolicy(cfg.Retry.Policy()),
		workflow.WithSnapshotPolicy(cfg.Snapshot.Policy()),
		workflow.WithActionTimeout(cfg.Engine.ActionTimeout),
		workflow.WithTimerBatch(cfg.Engine.TimerBatch),
		workflow.WithStaleGrace(cfg.Engine.StaleGrace),
		workflow.WithLogger(logger.Named("engine")),
	}
	if cfg.Definitions.Triggers != "" {
		triggers, err := definition.LoadTriggers(cfg.Definitions.Triggers)
		if err != nil {
			logger.Error("trigger loading failed", zap.Error(err))
			return 1
		}
		opts = append(opts, workflow.WithTriggers(triggers))
	}

	ids := generator.NewSnowflake(time.Now().Add(-time.Second), uint16(*machineID))
	engine, err := workflow.NewEngine(ids, store, opts...)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return 1
	}
	defer engine.Stop()
	engine.Subscribe(events.AllTypes, events.HandlerFunc(func(_ context.Context, n events.Notification) error {
		logger.Debug("notification",
			zap.String("type", n.Type),
			zap.String("tenant_id", n.TenantID),
			zap.Uint64("execution_id", n.ExecutionID),
			zap.Uint64("sequence", n.Sequence))
		return nil
	}))

	for _, path := range cfg.Definitions.Files {
		defs, err := definition.LoadDefinitions(path)
		if err != nil {
			logger.Error("definition loading failed", zap.Error(err))
			return 1
		}
		for _, def := range defs {
			if err := engine.RegisterWorkflow(ctx, def); err != nil {
				logger.Error("definition registration failed",
					zap.String("workflow", def.Name), zap.Int("version", def.Version), zap.Error(err))
				return 1
			}
			logger.Info("workflow registered", zap.String("workflow", def.Name), zap.Int("version", def.Version))
		}
	}

	workers := worker.New(engine, cfg.Worker,
		worker.WithLogger(logger.Named("worker")),
		worker.WithRegisterer(prometheus.DefaultRegisterer))
	if err := workers.Start(ctx); err != nil {
		logger.Error("worker service start failed", zap.Error(err))
		return 1
	}

	var srv *http.Server
	if cfg.Observability.MetricsAddr != "" {
		srv = newMonitorServer(cfg.Observability.MetricsAddr, workers)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server failed", zap.Error(err))
				stop()
			}
		}()
		logger.Info("monitor server listening", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		logger.Warn("worker service stopped with error", zap.Error(err))
	}
	stats := workers.Statistics()
	logger.Info("stopped",
		zap.Int64("events_processed", stats.TotalEventsProcessed),
		zap.Int64("events_failed", stats.TotalEventsFailed))
	return 0
}

// buildStorage returns the store, the lease backend sharing its connection
// and a closer.
func buildStorage(cfg config.StorageConfig) (storage.Storage, lock.Locker, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, lock.NewRedisLocker(store.Client()), func() { _ = store.Close() }, nil
	default:
		return storage.NewMemoryStorage(), lock.NewMemoryLocker(), func() {}, nil
	}
}

// newMonitorServer serves Prometheus metrics and the worker health and
// statistics as JSON. /healthz answers 503 unless the service is healthy or
// degraded.
func newMonitorServer(addr string, workers *worker.Service) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := workers.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == worker.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workers.Statistics())
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
