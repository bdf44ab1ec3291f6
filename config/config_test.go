package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Driver != DriverRedis {
		t.Errorf("Storage.Driver = %q, want redis", cfg.Storage.Driver)
	}
	if cfg.Storage.Redis.Addr != "redis.internal:6379" || cfg.Storage.Redis.DB != 2 {
		t.Errorf("Storage.Redis = %+v", cfg.Storage.Redis)
	}
	if cfg.Lock.TTL != 15*time.Second {
		t.Errorf("Lock.TTL = %v, want 15s", cfg.Lock.TTL)
	}
	if opts := cfg.Lock.Options(); opts.RetryInterval != 50*time.Millisecond {
		t.Errorf("Lock.Options().RetryInterval = %v, want 50ms", opts.RetryInterval)
	}
	if cfg.Engine.TimerBatch != 200 {
		t.Errorf("Engine.TimerBatch = %d, want 200", cfg.Engine.TimerBatch)
	}
	if p := cfg.Snapshot.Policy(); p.EveryEvents != 25 || p.Interval != 5*time.Minute {
		t.Errorf("Snapshot.Policy() = %+v", p)
	}
	if cfg.Worker.Workers != 8 || cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.Retry.MaxAttempts != 4 || cfg.Worker.Retry.Initial != 500*time.Millisecond {
		t.Errorf("Worker.Retry = %+v, want the retry section", cfg.Worker.Retry)
	}
	if len(cfg.Definitions.Files) != 1 || cfg.Definitions.Triggers != "definitions/triggers.yaml" {
		t.Errorf("Definitions = %+v", cfg.Definitions)
	}
	if cfg.Observability.LogEncoding != "console" {
		t.Errorf("Observability.LogEncoding = %q, want console", cfg.Observability.LogEncoding)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown driver should return error")
	}
	for _, want := range []string{"storage.driver", "retry.max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_empty_path(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() error = %v", err)
	}
	if cfg.Engine.ActionTimeout != 30*time.Second {
		t.Errorf("default Engine.ActionTimeout = %v, want 30s", cfg.Engine.ActionTimeout)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_REDIS_ADDR", "10.0.0.5:6380")
	t.Setenv("WORKFLOW_WORKERS", "2")
	t.Setenv("WORKFLOW_LOCK_TTL", "1m")
	t.Setenv("WORKFLOW_LOG_LEVEL", "error")
	t.Setenv("WORKFLOW_DEFINITIONS", "a.yaml,b.yaml")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Redis.Addr != "10.0.0.5:6380" {
		t.Errorf("Storage.Redis.Addr = %q, want env override", cfg.Storage.Redis.Addr)
	}
	if cfg.Worker.Workers != 2 {
		t.Errorf("Worker.Workers = %d, want 2 (env override beats file)", cfg.Worker.Workers)
	}
	if cfg.Lock.TTL != time.Minute {
		t.Errorf("Lock.TTL = %v, want 1m", cfg.Lock.TTL)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if len(cfg.Definitions.Files) != 2 {
		t.Errorf("Definitions.Files = %v, want 2 entries", cfg.Definitions.Files)
	}
}

func TestEnvOverrides_malformed(t *testing.T) {
	t.Setenv("WORKFLOW_WORKERS", "many")
	if _, err := Load("testdata/valid.yaml"); err == nil {
		t.Fatal("Load() with malformed WORKFLOW_WORKERS should return error")
	}
}

func TestValidate_redis_without_addr(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Driver = DriverRedis
	cfg.Storage.Redis.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with redis driver and no addr should return error")
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(ObservabilityConfig{LogLevel: "warn"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("debug enabled at warn level")
	}

	logger, err = NewLogger(ObservabilityConfig{LogLevel: "nonsense", LogEncoding: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(0) {
		t.Error("unknown level should fall back to info")
	}
}
