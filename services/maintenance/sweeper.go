// Package maintenance runs periodic cleanup of rate windows, cached
// capabilities and stale sessions.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/upb/timefly-control-plane/internal/observability"
	"go.uber.org/zap"
)

// Job names
const (
	JobRateWindows  = "rate_windows"
	JobCapabilities = "capabilities"
	JobSessions     = "sessions"
)

// Task performs one maintenance pass and reports how many items it collected.
type Task func(ctx context.Context) (int64, error)

// Job is a named task on a cron schedule
type Job struct {
	Name     string
	Schedule string
	Task     Task
}

// WindowSweeper evicts expired rate windows
type WindowSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CapabilitySweeper evicts stale capability entries
type CapabilitySweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SessionPurger deletes sessions that ended before the retention period
type SessionPurger interface {
	PurgeStale(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds schedules in robfig/cron syntax
type Config struct {
	SweepSchedule  string
	PurgeSchedule  string
	TokenRetention time.Duration
	JobTimeout     time.Duration
}

// DefaultConfig returns the stock schedules
func DefaultConfig() Config {
	return Config{
		SweepSchedule:  "@every 1m",
		PurgeSchedule:  "@hourly",
		TokenRetention: 7 * 24 * time.Hour,
		JobTimeout:     30 * time.Second,
	}
}

// Sweeper schedules maintenance jobs
type Sweeper struct {
	cron    *cron.Cron
	jobs    []Job
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewSweeper creates a sweeper with the standard jobs. A nil collaborator
// skips its job.
func NewSweeper(cfg Config, windows WindowSweeper, caps CapabilitySweeper, sessions SessionPurger, metrics *observability.Metrics, logger *zap.Logger) (*Sweeper, error) {
	def := DefaultConfig()
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = def.PurgeSchedule
	}
	if cfg.TokenRetention <= 0 {
		cfg.TokenRetention = def.TokenRetention
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	var jobs []Job
	if windows != nil {
		jobs = append(jobs, Job{Name: JobRateWindows, Schedule: cfg.SweepSchedule, Task: func(ctx context.Context) (int64, error) {
			n, err := windows.Sweep(ctx)
			return int64(n), err
		}})
	}
	if caps != nil {
		jobs = append(jobs, Job{Name: JobCapabilities, Schedule: cfg.SweepSchedule, Task: func(ctx context.Context) (int64, error) {
			n, err := caps.Sweep(ctx)
			return int64(n), err
		}})
	}
	if sessions != nil {
		retention := cfg.TokenRetention
		jobs = append(jobs, Job{Name: JobSessions, Schedule: cfg.PurgeSchedule, Task: func(ctx context.Context) (int64, error) {
			return sessions.PurgeStale(ctx, retention)
		}})
	}

	return New(jobs, cfg.JobTimeout, metrics, logger)
}

// New creates a sweeper for arbitrary jobs. Schedules are validated here.
func New(jobs []Job, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:    jobs,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(context.Background(), job) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}
	return s, nil
}

// Jobs returns the registered job names
func (s *Sweeper) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Start begins scheduling. Calling it twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Strings("jobs", s.Jobs()))
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// RunOnce runs every job immediately, in order, and returns the first error.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, job := range s.jobs {
		if _, err := s.run(ctx, job); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sweeper) run(ctx context.Context, job Job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Task(ctx)
	s.metrics.RecordMaintenance(job.Name, n, err)
	if err != nil {
		s.logger.Warn("maintenance job failed",
			zap.String("job", job.Name),
			zap.Error(err))
		return n, fmt.Errorf("%s: %w", job.Name, err)
	}
	if n > 0 {
		s.logger.Debug("maintenance job collected items",
			zap.String("job", job.Name),
			zap.Int64("collected", n),
			zap.Duration("duration", time.Since(start)))
	}
	return n, nil
}
