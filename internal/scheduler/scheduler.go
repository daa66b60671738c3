// Package scheduler runs the periodic background jobs: queue worker ticks
// and janitor sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	fn      JobFunc
	mu      sync.Mutex
	running bool
}

// Scheduler wraps cron. Each job runs at most once at a time; a firing
// that finds the previous run still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	jobs   []*job
}

// New creates a scheduler whose jobs get contexts derived from ctx.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug)))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers fn under a cron spec ("@every 30s", "*/5 * * * *").
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	j := &job{name: name, fn: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.run(j) }); err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	s.jobs = append(s.jobs, j)
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// Every registers fn at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	return s.Add(name, "@every "+interval.String(), fn)
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()
	s.cancel()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// run reports whether the job actually ran.
func (s *Scheduler) run(j *job) bool {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Debug("job still running, skipping", "job", j.name)
		return false
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", j.name, "panic", r)
		}
	}()

	if err := j.fn(s.ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", j.name, "error", err)
	}
	return true
}
