package worker

import (
	"context"
	"log/slog"
	"time"
)

// StuckResetter is the queue operation the reclaimer needs.
type StuckResetter interface {
	ResetStuck(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Reclaimer returns documents stuck in processing to the pending state.
// An item is stuck once it has been processing longer than the timeout,
// which happens when a cycle dies mid-dispatch or the process restarts.
type Reclaimer struct {
	docs    StuckResetter
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewReclaimer creates a reclaimer. A zero timeout means 10 minutes.
func NewReclaimer(docs StuckResetter, timeout time.Duration, now func() time.Time, logger *slog.Logger) *Reclaimer {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		docs:    docs,
		timeout: timeout,
		now:     now,
		log:     logger.With("component", "reclaimer"),
	}
}

// Reclaim resets stuck items and returns how many were reset. Retry counts
// are left alone: a crash is not the document's fault.
func (r *Reclaimer) Reclaim(ctx context.Context) (int, error) {
	now := r.now()
	n, err := r.docs.ResetStuck(ctx, now.Add(-r.timeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Warn("reclaimed stuck documents", "count", n, "timeout", r.timeout)
	}
	return n, nil
}
