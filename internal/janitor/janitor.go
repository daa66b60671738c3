// Package janitor removes temporary data the pipeline leaves behind: expired
// upload sessions, chunk directories nobody owns, stale reassembled archives
// and old cached job progress.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/virology-dashboard/backend/internal/storage"
)

// Sessions is the upload session side of the sweep.
type Sessions interface {
	ExpireSessions(ctx context.Context, ttl time.Duration) (int, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// ChunkDirs lists and removes chunk directories.
type ChunkDirs interface {
	ListSessionDirs() ([]storage.SessionDir, error)
	DeleteChunks(sessionID string) error
}

// JobCache is the in-memory job progress cache.
type JobCache interface {
	Evict(now time.Time) int
}

// Options configures a Janitor.
type Options struct {
	SessionTTL time.Duration
	OrphanTTL  time.Duration
	// TempDirs hold reassembled and single-shot archives awaiting processing.
	TempDirs []string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Report summarizes one sweep.
type Report struct {
	ExpiredSessions   int `json:"expiredSessions"`
	OrphanedFiles     int `json:"orphanedFiles"`
	OrphanedChunkDirs int `json:"orphanedChunkDirs"`
	EvictedJobs       int `json:"evictedJobs"`
}

// Janitor runs cleanup sweeps.
type Janitor struct {
	sessions Sessions
	chunks   ChunkDirs
	jobs     JobCache
	opts     Options
	log      *slog.Logger
}

// New creates a janitor. jobs may be nil.
func New(sessions Sessions, chunks ChunkDirs, jobs JobCache, opts Options) *Janitor {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = 3 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Janitor{
		sessions: sessions,
		chunks:   chunks,
		jobs:     jobs,
		opts:     opts,
		log:      opts.Logger.With("component", "janitor"),
	}
}

// Sweep runs every cleanup step. A failing step does not stop the others;
// their errors are joined.
func (j *Janitor) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}
	var errs []error

	n, err := j.sessions.ExpireSessions(ctx, j.opts.SessionTTL)
	if err != nil {
		errs = append(errs, fmt.Errorf("expiring sessions: %w", err))
	}
	report.ExpiredSessions = n

	n, err = j.sweepChunkDirs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweeping chunk dirs: %w", err))
	}
	report.OrphanedChunkDirs = n

	for _, dir := range j.opts.TempDirs {
		n, err := j.sweepFiles(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweeping %s: %w", dir, err))
		}
		report.OrphanedFiles += n
	}

	if j.jobs != nil {
		report.EvictedJobs = j.jobs.Evict(j.opts.Now())
	}

	if *report != (Report{}) {
		j.log.Info("sweep finished", "expiredSessions", report.ExpiredSessions,
			"orphanedFiles", report.OrphanedFiles, "orphanedChunkDirs", report.OrphanedChunkDirs,
			"evictedJobs", report.EvictedJobs)
	}
	return report, errors.Join(errs...)
}

// sweepChunkDirs removes chunk directories whose session row is gone.
func (j *Janitor) sweepChunkDirs(ctx context.Context) (int, error) {
	dirs, err := j.chunks.ListSessionDirs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, d := range dirs {
		exists, err := j.sessions.SessionExists(ctx, d.SessionID)
		if err != nil {
			return removed, err
		}
		if exists {
			continue
		}
		if err := j.chunks.DeleteChunks(d.SessionID); err != nil {
			j.log.Warn("failed to remove orphaned chunk dir", "session", d.SessionID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sweepFiles removes regular files in dir older than OrphanTTL.
func (j *Janitor) sweepFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := j.opts.Now().Add(-j.opts.OrphanTTL)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.log.Warn("failed to remove orphaned file", "path", path, "error", err)
			continue
		}
		j.log.Info("removed orphaned temp file", "path", path, "age", j.opts.Now().Sub(info.ModTime()).Round(time.Second))
		removed++
	}
	return removed, nil
}
