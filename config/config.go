// Package config loads and validates the workflowd configuration from a YAML
// file and WORKFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/lock"
	"github.com/songzhibin97/workflow-core/storage"
	"github.com/songzhibin97/workflow-core/worker"
	"github.com/songzhibin97/workflow-core/workflow"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Lock          LockConfig          `yaml:"lock"`
	Engine        EngineConfig        `yaml:"engine"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`
	Retry         RetryConfig         `yaml:"retry"`
	Worker        worker.Config       `yaml:"worker"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects the persistence backend. The redis backend also
// carries the execution leases.
type StorageConfig struct {
	Driver string               `yaml:"driver"`
	Redis  storage.RedisOptions `yaml:"redis"`
}

// LockConfig describes execution lease settings.
type LockConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// Options converts the section to lock.Options.
func (c LockConfig) Options() lock.Options {
	return lock.Options{TTL: c.TTL, AcquireTimeout: c.AcquireTimeout, RetryInterval: c.RetryInterval}
}

// EngineConfig describes engine tuning.
type EngineConfig struct {
	ActionTimeout time.Duration `yaml:"action_timeout"`
	TimerBatch    int           `yaml:"timer_batch"`
	StaleGrace    time.Duration `yaml:"stale_grace"`
}

// SnapshotConfig describes when snapshots are taken.
type SnapshotConfig struct {
	EveryEvents int           `yaml:"every_events"`
	Interval    time.Duration `yaml:"interval"`
}

// Policy converts the section to a workflow.SnapshotPolicy.
func (c SnapshotConfig) Policy() workflow.SnapshotPolicy {
	return workflow.SnapshotPolicy{EveryEvents: c.EveryEvents, Interval: c.Interval}
}

// RetryConfig describes the backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	Jitter            float64       `yaml:"jitter"`
}

// Policy converts the section to a failure.RetryPolicy.
func (c RetryConfig) Policy() failure.RetryPolicy {
	return failure.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Initial:     c.BackoffInitial,
		Max:         c.BackoffMax,
		Multiplier:  c.BackoffMultiplier,
		Jitter:      c.Jitter,
	}
}

// DefinitionsConfig lists the workflow definition files and the trigger
// binding file loaded at startup.
type DefinitionsConfig struct {
	Files    []string `yaml:"files"`
	Triggers string   `yaml:"triggers"`
}

// ObservabilityConfig describes logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogEncoding string `yaml:"log_encoding"`
	// MetricsAddr serves /metrics and /healthz when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns a memory-backed configuration with production timings.
func Defaults() *Config {
	lockOpts := lock.DefaultOptions()
	snap := workflow.DefaultSnapshotPolicy()
	retry := failure.DefaultRetryPolicy()
	return &Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: storage.RedisOptions{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Lock: LockConfig{
			TTL:            lockOpts.TTL,
			AcquireTimeout: lockOpts.AcquireTimeout,
			RetryInterval:  lockOpts.RetryInterval,
		},
		Engine: EngineConfig{
			ActionTimeout: 30 * time.Second,
			TimerBatch:    100,
			StaleGrace:    10 * time.Second,
		},
		Snapshot: SnapshotConfig{EveryEvents: snap.EveryEvents, Interval: snap.Interval},
		Retry: RetryConfig{
			MaxAttempts:       retry.MaxAttempts,
			BackoffInitial:    retry.Initial,
			BackoffMultiplier: retry.Multiplier,
			BackoffMax:        retry.Max,
			Jitter:            retry.Jitter,
		},
		Worker: worker.DefaultConfig(),
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.Worker.Retry = cfg.Retry.Policy()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that every field is usable.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver must be %q or %q, got %q", DriverMemory, DriverRedis, c.Storage.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	if c.Lock.AcquireTimeout <= 0 {
		errs = append(errs, "lock.acquire_timeout must be positive")
	}
	if c.Engine.ActionTimeout <= 0 {
		errs = append(errs, "engine.action_timeout must be positive")
	}
	if c.Engine.StaleGrace < 0 {
		errs = append(errs, "engine.stale_grace must not be negative")
	}
	if c.Snapshot.EveryEvents < 0 || c.Snapshot.Interval < 0 {
		errs = append(errs, "snapshot thresholds must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be between 0 and 1")
	}
	if c.Worker.Workers < 1 {
		errs = append(errs, "worker.workers must be at least 1")
	}
	if c.Worker.QueueSize < 1 {
		errs = append(errs, "worker.queue_size must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, "worker.poll_interval must be positive")
	}
	switch c.Observability.LogEncoding {
	case "json", "console":
	default:
		errs = append(errs, "observability.log_encoding must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WORKFLOW_* environment variables. Only the fields
// that differ between deployments are supported.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WORKFLOW_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKFLOW_REDIS_DB: %w", err)
		}
		cfg.Storage.Redis.DB = db
	}
	if v := os.Getenv("WORKFLOW_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKFLOW_WORKERS: %w", err)
		}
		cfg.Worker.Workers = n
	}
	if v := os.Getenv("WORKFLOW_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WORKFLOW_LOCK_TTL: %w", err)
		}
		cfg.Lock.TTL = d
	}
	if v := os.Getenv("WORKFLOW_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("WORKFLOW_METRICS_ADDR"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
	if v := os.Getenv("WORKFLOW_DEFINITIONS"); v != "" {
		cfg.Definitions.Files = strings.Split(v, ",")
	}
	return nil
}
