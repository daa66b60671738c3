// Package jobs tracks archive job progress in memory and mirrors it to the
// relational store so progress survives restarts and cache eviction.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("job state can only move forward")
)

// Repository is the durable copy of job progress.
type Repository interface {
	Upsert(ctx context.Context, job *models.ArchiveJob) error
	Get(ctx context.Context, id string) (*models.ArchiveJob, error)
}

type entry struct {
	job     *models.ArchiveJob
	touched time.Time
}

// Tracker is the two-tier job progress store. The cache is authoritative
// while an entry lives; the repository answers afterwards.
type Tracker struct {
	mu     sync.RWMutex
	cache  map[string]*entry
	subs   map[string]map[chan *models.ArchiveJob]struct{}
	repo   Repository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. Cached entries older than ttl are dropped by Evict.
func NewTracker(repo Repository, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cache:  make(map[string]*entry),
		subs:   make(map[string]map[chan *models.ArchiveJob]struct{}),
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "jobs"),
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Create caches the job and writes it through. Unlike progress updates, a
// failed initial write is returned to the caller.
func (t *Tracker) Create(ctx context.Context, job *models.ArchiveJob) error {
	if err := t.repo.Upsert(ctx, job); err != nil {
		return fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	t.mu.Lock()
	t.cache[job.ID] = &entry{job: job.Clone(), touched: t.now()}
	t.mu.Unlock()
	return nil
}

// Get returns a snapshot, falling back to the repository when the job is not cached.
func (t *Tracker) Get(ctx context.Context, id string) (*models.ArchiveJob, error) {
	t.mu.RLock()
	e, ok := t.cache[id]
	var snap *models.ArchiveJob
	if ok {
		snap = e.job.Clone()
	}
	t.mu.RUnlock()
	if ok {
		return snap, nil
	}

	job, err := t.repo.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// Update applies fn to the cached job. A status change that would move the
// job backwards is rejected and the job is left unchanged.
func (t *Tracker) Update(id string, fn func(job *models.ArchiveJob)) (*models.ArchiveJob, error) {
	t.mu.Lock()
	e, ok := t.cache[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrJobNotFound
	}

	next := e.job.Clone()
	fn(next)
	if next.Status != e.job.Status && !e.job.Status.CanTransition(next.Status) {
		from := e.job.Status
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Status)
	}
	if next.Status.Terminal() && next.CompletedAt == nil {
		done := t.now()
		next.CompletedAt = &done
	}
	e.job = next
	e.touched = t.now()
	snap := next.Clone()
	t.notifyLocked(id, snap)
	t.mu.Unlock()

	return snap, nil
}

// Persist writes the cached job to the repository. It is safe to repeat.
// Failures are logged, not returned, so progress reporting never breaks processing.
func (t *Tracker) Persist(ctx context.Context, id string) {
	t.mu.RLock()
	e, ok := t.cache[id]
	var snap *models.ArchiveJob
	if ok {
		snap = e.job.Clone()
	}
	t.mu.RUnlock()
	if !ok {
		return
	}

	if err := t.repo.Upsert(ctx, snap); err != nil {
		t.logger.Warn("failed to persist job progress", "job", id, "error", err)
	}
}

// Evict drops terminal entries that started or last changed more than a TTL
// ago. Running jobs stay cached however quiet they are, since their
// processing goroutine still updates them. Returns the number dropped.
func (t *Tracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, e := range t.cache {
		if !e.job.Status.Terminal() {
			continue
		}
		if now.Sub(e.job.StartedAt) > t.ttl || now.Sub(e.touched) > t.ttl {
			delete(t.cache, id)
			evicted++
		}
	}
	if evicted > 0 {
		t.logger.Debug("evicted cached jobs", "count", evicted)
	}
	return evicted
}

// Len returns the number of cached jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

// Subscribe returns a channel receiving a snapshot after every update of the
// job. Slow readers only see the latest snapshot. Call cancel when done.
func (t *Tracker) Subscribe(id string) (<-chan *models.ArchiveJob, func()) {
	ch := make(chan *models.ArchiveJob, 1)

	t.mu.Lock()
	if t.subs[id] == nil {
		t.subs[id] = make(map[chan *models.ArchiveJob]struct{})
	}
	t.subs[id][ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs[id], ch)
			if len(t.subs[id]) == 0 {
				delete(t.subs, id)
			}
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

func (t *Tracker) notifyLocked(id string, snap *models.ArchiveJob) {
	for ch := range t.subs[id] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
