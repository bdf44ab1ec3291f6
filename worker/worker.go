// Package worker runs the process-level pool that applies submitted events,
// fires due timers and reaps abandoned actions.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/workflow-core/failure"
	"github.com/songzhibin97/workflow-core/types"
	"github.com/songzhibin97/workflow-core/workflow"
)

var (
	// ErrNotRunning is returned when submitting to a stopped service.
	ErrNotRunning = errors.New("worker service is not running")
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("worker service is already running")
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")
)

// Engine is the part of workflow.Engine the service drives.
type Engine interface {
	AppendEvent(ctx context.Context, tenantID string, executionID uint64, name string, payload types.Payload, userID string) (workflow.AppendResult, error)
	PollTimers(ctx context.Context) (int, error)
	ReapStale(ctx context.Context, limit int) (int, error)
}

// Job is an event to append asynchronously.
type Job struct {
	TenantID    string
	ExecutionID uint64
	Event       string
	Payload     types.Payload
	UserID      string
	// Done, when set, receives the final outcome once retries are exhausted.
	Done func(res workflow.AppendResult, err error)

	attempt int
	started time.Time
}

// HealthStatus is the coarse health of a worker or the whole service.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health summarizes worker health.
type Health struct {
	Status           HealthStatus `json:"status"`
	WorkerCount      int          `json:"workerCount"`
	HealthyWorkers   int          `json:"healthyWorkers"`
	DegradedWorkers  int          `json:"degradedWorkers"`
	UnhealthyWorkers int          `json:"unhealthyWorkers"`
}

// Statistics counts events handled since the service was created.
type Statistics struct {
	TotalEventsProcessed int64 `json:"totalEventsProcessed"`
	TotalEventsSucceeded int64 `json:"totalEventsSucceeded"`
	TotalEventsFailed    int64 `json:"totalEventsFailed"`
	ActiveEventCount     int64 `json:"activeEventCount"`
}

// Config tunes a Service.
type Config struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	ReapBatch    int           `yaml:"reap_batch"`
	// HeartbeatTimeout marks a worker unhealthy when it has not reported
	// for that long, such as when stuck in a handler.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// DegradedAfter and UnhealthyAfter are consecutive infrastructure failures.
	DegradedAfter  int `yaml:"degraded_after"`
	UnhealthyAfter int `yaml:"unhealthy_after"`
	// Retry bounds in-process retries of transient append failures. A job
	// waiting out its backoff is parked off the workers.
	Retry failure.RetryPolicy `yaml:"-"`
}

// DefaultConfig returns 4 workers polling timers every second.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        1024,
		PollInterval:     time.Second,
		ReapInterval:     15 * time.Second,
		ReapBatch:        100,
		HeartbeatTimeout: time.Minute,
		DegradedAfter:    3,
		UnhealthyAfter:   10,
		Retry:            failure.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = d.ReapBatch
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.UnhealthyAfter < c.DegradedAfter {
		c.UnhealthyAfter = c.DegradedAfter * 3
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegisterer registers the service metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.reg = reg }
}

// WithClock replaces time.Now for health checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// state is one worker's health record.
type state struct {
	id       string
	lastBeat atomic.Int64
	failures atomic.Int64
}

func (w *state) beat(now time.Time) { w.lastBeat.Store(now.UnixNano()) }

// Service is an explicitly constructed worker pool with a start/stop
// lifecycle. Work for one execution is serialized by the engine's lease, so
// any worker may take any job.
type Service struct {
	engine  Engine
	cfg     Config
	logger  *zap.Logger
	reg     prometheus.Registerer
	metrics *Metrics
	now     func() time.Time

	mu          sync.Mutex
	running     bool
	workers     []*state
	cancelLoops context.CancelFunc
	cancelWork  context.CancelFunc
	loops       *errgroup.Group
	pool        *errgroup.Group

	closeMu sync.RWMutex
	closed  bool
	queue   chan Job
	idle    chan struct{}

	retryMu sync.Mutex
	retries map[*time.Timer]Job

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// New creates a stopped Service driving engine.
func New(engine Engine, cfg Config, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		closed: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.metrics = InitMetrics(s.reg)
	return s
}

// Metrics returns the service instruments.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Start launches the workers and the timer and reaper loops. Cancelling ctx
// stops the loops; queued jobs are still drained by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoops, s.cancelWork = cancelLoops, cancelWork

	s.closeMu.Lock()
	s.queue = make(chan Job, s.cfg.QueueSize)
	s.idle = make(chan struct{}, 1)
	s.closed = false
	s.closeMu.Unlock()
	s.retryMu.Lock()
	s.retries = make(map[*time.Timer]Job)
	s.retryMu.Unlock()

	s.workers = make([]*state, s.cfg.Workers)
	s.pool = &errgroup.Group{}
	for i := range s.workers {
		w := &state{id: uuid.NewString()}
		w.beat(s.now())
		s.workers[i] = w
		s.pool.Go(func() error {
			s.work(workCtx, w)
			return nil
		})
	}

	s.loops = &errgroup.Group{}
	s.loops.Go(func() error {
		s.every(loopCtx, s.cfg.PollInterval, "timers", s.pollTimers)
		return nil
	})
	s.loops.Go(func() error {
		s.every(loopCtx, s.cfg.ReapInterval, "reaper", s.reap)
		return nil
	})

	s.running = true
	s.logger.Info("worker service started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_size", s.cfg.QueueSize),
		zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop rejects new jobs, stops the loops and waits for queued and retrying
// jobs to drain. If ctx ends first, in-flight work is cancelled, parked
// retries fail and ctx's error is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.running = false

	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.cancelLoops()

	done := make(chan error, 1)
	go func() {
		// Retries still feed the queue until every accepted job is final.
		for s.active.Load() > 0 {
			<-s.idle
		}
		s.closeMu.Lock()
		close(s.queue)
		s.closeMu.Unlock()
		err := s.loops.Wait()
		if perr := s.pool.Wait(); err == nil {
			err = perr
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		s.cancelWork()
		s.abandonRetries(context.Canceled)
		<-done
		err = ctx.Err()
	}
	s.cancelWork()
	s.logger.Info("worker service stopped", zap.Error(err))
	return err
}

// Submit queues job without blocking.
func (s *Service) Submit(ctx context.Context, job Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if job.Event == "" {
		return failure.Validation("event", "name must not be empty")
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrNotRunning
	}
	job.attempt = 1
	job.started = time.Now()
	s.active.Add(1)
	s.metrics.ActiveEvents.Inc()
	select {
	case s.queue <- job:
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		s.metrics.ActiveEvents.Dec()
		s.release()
		return ErrQueueFull
	}
}

// work is one worker: it takes jobs until the queue is closed and drained,
// beating while idle so a silent worker means a stuck one.
func (s *Service) work(ctx context.Context, w *state) {
	ticker := time.NewTicker(s.cfg.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.beat(s.now())
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
			s.run(ctx, w, job)
			w.beat(s.now())
		}
	}
}

// run applies one job. A transient failure parks the job for its backoff and
// frees the worker. An append that became durable is never retried, even if
// follow-up processing failed.
func (s *Service) run(ctx context.Context, w *state, job Job) {
	res, err := s.engine.AppendEvent(ctx, job.TenantID, job.ExecutionID, job.Event, job.Payload, job.UserID)
	if err != nil && res.Event.ID == 0 && ctx.Err() == nil {
		if d := s.cfg.Retry.Decide(err, job.attempt, 0); d.Retry {
			s.logger.Debug("event retry scheduled",
				zap.String("worker_id", w.id),
				zap.String("tenant_id", job.TenantID),
				zap.Uint64("execution_id", job.ExecutionID),
				zap.String("event", job.Event),
				zap.Int("attempt", job.attempt),
				zap.Duration("delay", d.Delay),
				zap.Error(err))
			s.retryLater(ctx, job, d.Delay)
			return
		}
	}
	s.finish(w, job, res, err)
}

// retryLater requeues job after delay without holding a worker.
func (s *Service) retryLater(ctx context.Context, job Job, delay time.Duration) {
	job.attempt++
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retries, t)
		s.retryMu.Unlock()
		select {
		case s.queue <- job:
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
		case <-ctx.Done():
			s.finish(nil, job, workflow.AppendResult{}, ctx.Err())
		}
	})
	s.retries[t] = job
}

// abandonRetries fails every job still waiting out its backoff.
func (s *Service) abandonRetries(err error) {
	s.retryMu.Lock()
	pending := s.retries
	s.retries = make(map[*time.Timer]Job)
	s.retryMu.Unlock()
	for t, job := range pending {
		if t.Stop() {
			s.finish(nil, job, workflow.AppendResult{}, err)
		}
	}
}

// finish records the final outcome of job. w is nil when the job ended while
// parked for a retry.
func (s *Service) finish(w *state, job Job, res workflow.AppendResult, err error) {
	s.processed.Add(1)
	fields := []zap.Field{
		zap.String("tenant_id", job.TenantID),
		zap.Uint64("execution_id", job.ExecutionID),
		zap.String("event", job.Event),
		zap.Int("attempts", job.attempt),
	}
	if w != nil {
		fields = append(fields, zap.String("worker_id", w.id))
	}
	if err != nil {
		s.failed.Add(1)
		s.metrics.EventsTotal.WithLabelValues("failed").Inc()
		class := failure.Classify(err)
		if class == failure.ClassTransient || class == failure.ClassLeaseExpired {
			if w != nil {
				w.failures.Add(1)
			}
			s.logger.Warn("event failed", append(fields, zap.String("class", class.String()), zap.Error(err))...)
		} else {
			if w != nil {
				w.failures.Store(0)
			}
			s.logger.Info("event rejected", append(fields, zap.String("class", class.String()), zap.Error(err))...)
		}
	} else {
		s.succeeded.Add(1)
		s.metrics.EventsTotal.WithLabelValues("succeeded").Inc()
		if w != nil {
			w.failures.Store(0)
		}
		s.logger.Debug("event processed", append(fields, zap.Uint64("sequence", res.Event.Sequence))...)
	}
	s.metrics.ActiveEvents.Dec()
	s.metrics.EventDuration.Observe(time.Since(job.started).Seconds())
	s.release()
	if job.Done != nil {
		job.Done(res, err)
	}
}

// release drops one accepted job and wakes a draining Stop at zero.
func (s *Service) release() {
	if s.active.Add(-1) == 0 {
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}
}

// every runs fn immediately and then on each tick until ctx ends.
func (s *Service) every(ctx context.Context, interval time.Duration, loop string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.metrics.LoopErrorsTotal.WithLabelValues(loop).Inc()
			s.logger.Warn("background pass failed", zap.String("loop", loop), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) pollTimers(ctx context.Context) error {
	n, err := s.engine.PollTimers(ctx)
	if n > 0 {
		s.processed.Add(int64(n))
		s.succeeded.Add(int64(n))
		s.metrics.TimersFiredTotal.Add(float64(n))
	}
	return err
}

func (s *Service) reap(ctx context.Context) error {
	n, err := s.engine.ReapStale(ctx, s.cfg.ReapBatch)
	if n > 0 {
		s.metrics.ActionsReapedTotal.Add(float64(n))
		s.logger.Info("stale actions reaped", zap.Int("count", n))
	}
	return err
}

// Health classifies every worker and the service as a whole. A stopped
// service is unhealthy.
func (s *Service) Health() Health {
	s.mu.Lock()
	workers := s.workers
	running := s.running
	s.mu.Unlock()

	h := Health{WorkerCount: len(workers)}
	now := s.now()
	for _, w := range workers {
		switch s.classify(w, now) {
		case Healthy:
			h.HealthyWorkers++
		case Degraded:
			h.DegradedWorkers++
		default:
			h.UnhealthyWorkers++
		}
	}

	switch {
	case !running || h.WorkerCount == 0 || h.HealthyWorkers+h.DegradedWorkers == 0:
		h.Status = Unhealthy
	case h.HealthyWorkers == h.WorkerCount:
		h.Status = Healthy
	default:
		h.Status = Degraded
	}
	s.metrics.WorkersByHealth.WithLabelValues(string(Healthy)).Set(float64(h.HealthyWorkers))
	s.metrics.WorkersByHealth.WithLabelValues(string(Degraded)).Set(float64(h.DegradedWorkers))
	s.metrics.WorkersByHealth.WithLabelValues(string(Unhealthy)).Set(float64(h.UnhealthyWorkers))
	return h
}

func (s *Service) classify(w *state, now time.Time) HealthStatus {
	failures := w.failures.Load()
	switch {
	case failures >= int64(s.cfg.UnhealthyAfter):
		return Unhealthy
	case now.Sub(time.Unix(0, w.lastBeat.Load())) > s.cfg.HeartbeatTimeout:
		return Unhealthy
	case failures >= int64(s.cfg.DegradedAfter):
		return Degraded
	default:
		return Healthy
	}
}

// Statistics returns the event counters.
func (s *Service) Statistics() Statistics {
	return Statistics{
		TotalEventsProcessed: s.processed.Load(),
		TotalEventsSucceeded: s.succeeded.Load(),
		TotalEventsFailed:    s.failed.Load(),
		ActiveEventCount:     s.active.Load(),
	}
}
