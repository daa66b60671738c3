// Package worker drains the persistent document queue: it schedules retries,
// recovers stuck items and dispatches small batches to the extraction service.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/extraction"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/storage"
)

var (
	ErrBusy             = errors.New("a processing cycle is already running")
	ErrNotCancellable   = errors.New("document is not pending or processing")
	ErrDocumentNotFound = errors.New("document not found")
)

const (
	reasonDuplicate = "duplicate of document %s"
	reasonNoResult  = "no usable extraction result"
	reasonCancelled = "cancelled by operator"
)

// DocumentQueue is the persistent queue the worker drains.
type DocumentQueue interface {
	StuckResetter
	Get(ctx context.Context, id string) (*models.Document, error)
	ListPending(ctx context.Context, limit int) ([]*models.Document, error)
	ClaimHolder(ctx context.Context, fingerprint string) (string, error)
	MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, data json.RawMessage, rawText string, now time.Time) (bool, error)
	Fail(ctx context.Context, id, errText string, now time.Time) (bool, error)
	Discard(ctx context.Context, id, reason string, now time.Time, from ...models.DocumentStatus) (bool, error)
	ScheduleRetries(ctx context.Context, maxRetries int, backoff func(retryCount int) time.Duration, now time.Time) (int, error)
	RetryAllFailed(ctx context.Context, now time.Time) (int, error)
}

// Options configures a Worker.
type Options struct {
	BatchSize            int
	MaxRetries           int
	RetryBackoff         time.Duration
	StuckTimeout         time.Duration
	DrainWaitTimeout     time.Duration
	MaxDrainBatches      int
	ExtractionsPerMinute float64
	ExtractionBurst      int
	Now                  func() time.Time
	Logger               *slog.Logger
}

// DrainSummary reports what a drain did.
type DrainSummary struct {
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Discarded  int `json:"discarded"`
	Duplicates int `json:"duplicates"`
	Batches    int `json:"batches"`
}

func (s *DrainSummary) add(o outcome) {
	switch o {
	case outcomeCompleted:
		s.Completed++
	case outcomeFailed:
		s.Failed++
	case outcomeDiscarded:
		s.Discarded++
	case outcomeDuplicate:
		s.Duplicates++
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeDiscarded
	outcomeDuplicate
)

// Worker runs processing cycles. At most one cycle is in flight per process.
type Worker struct {
	docs      DocumentQueue
	blobs     storage.BlobStore
	extractor extraction.Extractor
	reclaimer *Reclaimer
	limiter   *rate.Limiter
	sem       chan struct{}
	opts      Options
	log       *slog.Logger
}

// New creates a worker.
func New(docs DocumentQueue, blobs storage.BlobStore, extractor extraction.Extractor, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 3
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DrainWaitTimeout <= 0 {
		opts.DrainWaitTimeout = 2 * time.Minute
	}
	if opts.MaxDrainBatches <= 0 {
		opts.MaxDrainBatches = 1000
	}
	if opts.ExtractionBurst <= 0 {
		opts.ExtractionBurst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.ExtractionsPerMinute > 0 {
		limit = rate.Limit(opts.ExtractionsPerMinute / 60)
	}

	return &Worker{
		docs:      docs,
		blobs:     blobs,
		extractor: extractor,
		reclaimer: NewReclaimer(docs, opts.StuckTimeout, opts.Now, opts.Logger),
		limiter:   rate.NewLimiter(limit, opts.ExtractionBurst),
		sem:       make(chan struct{}, 1),
		opts:      opts,
		log:       opts.Logger.With("component", "worker"),
	}
}

// Backoff is the wait before retry n+1 of a document that has been retried n times.
func (w *Worker) Backoff(retryCount int) time.Duration {
	if retryCount > 16 {
		retryCount = 16
	}
	return w.opts.RetryBackoff * time.Duration(1<<retryCount)
}

// Tick runs one cycle unless one is already running. Reports whether it ran.
func (w *Worker) Tick(ctx context.Context) bool {
	select {
	case w.sem <- struct{}{}:
	default:
		w.log.Debug("cycle already running, skipping tick")
		return false
	}
	defer func() { <-w.sem }()

	if err := w.cycle(ctx); err != nil {
		w.log.Error("processing cycle failed", "error", err)
	}
	return true
}

func (w *Worker) cycle(ctx context.Context) error {
	requeued, err := w.docs.ScheduleRetries(ctx, w.opts.MaxRetries, w.Backoff, w.opts.Now())
	if err != nil {
		return fmt.Errorf("scheduling retries: %w", err)
	}
	if requeued > 0 {
		w.log.Info("requeued failed documents", "count", requeued)
	}

	if _, err := w.reclaimer.Reclaim(ctx); err != nil {
		return fmt.Errorf("reclaiming stuck documents: %w", err)
	}

	var summary DrainSummary
	if _, err := w.batch(ctx, &summary); err != nil {
		return err
	}
	if summary != (DrainSummary{}) {
		w.log.Info("cycle finished", "completed", summary.Completed, "failed", summary.Failed,
			"discarded", summary.Discarded, "duplicates", summary.Duplicates)
	}
	return nil
}

// batch dispatches up to BatchSize pending documents sequentially and
// returns how many it picked up.
func (w *Worker) batch(ctx context.Context, summary *DrainSummary) (int, error) {
	pending, err := w.docs.ListPending(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending documents: %w", err)
	}
	for _, doc := range pending {
		if ctx.Err() != nil {
			return len(pending), ctx.Err()
		}
		summary.add(w.dispatch(ctx, doc))
	}
	return len(pending), nil
}

func (w *Worker) dispatch(ctx context.Context, doc *models.Document) (out outcome) {
	log := w.log.With("document", doc.ID, "file", doc.FileName)
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", r)
			out = w.fail(ctx, log, doc.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	claimed, err := w.docs.MarkProcessing(ctx, doc.ID, w.opts.Now())
	if err != nil {
		log.Error("cannot claim document", "error", err)
		return outcomeSkipped
	}
	if !claimed {
		log.Debug("document no longer pending")
		return outcomeSkipped
	}

	holder, err := w.docs.ClaimHolder(ctx, doc.Fingerprint)
	if err != nil {
		return w.fail(ctx, log, doc.ID, err.Error())
	}
	if holder != "" && holder != doc.ID {
		ok, err := w.docs.Discard(ctx, doc.ID, fmt.Sprintf(reasonDuplicate, holder), w.opts.Now(), models.DocumentStatusProcessing)
		if err != nil {
			log.Error("cannot discard duplicate", "error", err)
			return outcomeSkipped
		}
		if !ok {
			return outcomeSkipped
		}
		log.Info("skipped duplicate document", "holder", holder)
		return outcomeDuplicate
	}

	url, err := w.blobs.URL(ctx, doc.StorageKey)
	if err != nil {
		return w.fail(ctx, log, doc.ID, fmt.Sprintf("resolving blob: %v", err))
	}

	// a cancelled wait leaves the item processing; the reclaimer picks it up
	if err := w.limiter.Wait(ctx); err != nil {
		log.Warn("rate limiter wait aborted", "error", err)
		return outcomeSkipped
	}

	start := time.Now()
	res, err := w.extractor.Extract(ctx, url, doc.MimeType)
	if err != nil {
		log.Warn("extraction failed", "error", err, "duration", time.Since(start))
		return w.fail(ctx, log, doc.ID, err.Error())
	}

	if res == nil || !res.HasResult {
		ok, err := w.docs.Discard(ctx, doc.ID, reasonNoResult, w.opts.Now(), models.DocumentStatusProcessing)
		if err != nil {
			log.Error("cannot discard document", "error", err)
			return outcomeSkipped
		}
		if !ok {
			log.Info("document changed state during extraction")
			return outcomeSkipped
		}
		log.Info("no usable result, document discarded")
		return outcomeDiscarded
	}

	ok, err := w.docs.Complete(ctx, doc.ID, res.StructuredData, res.RawText, w.opts.Now())
	if err != nil {
		log.Error("cannot store extraction result", "error", err)
		return outcomeSkipped
	}
	if !ok {
		log.Info("document changed state during extraction")
		return outcomeSkipped
	}
	log.Info("document extracted", "duration", time.Since(start))
	return outcomeCompleted
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, id, errText string) outcome {
	ok, err := w.docs.Fail(ctx, id, errText, w.opts.Now())
	if err != nil {
		log.Error("cannot record failure", "error", err)
		return outcomeSkipped
	}
	if !ok {
		return outcomeSkipped
	}
	return outcomeFailed
}

// DrainNow processes the queue until no pending items remain. It waits up to
// DrainWaitTimeout for an in-flight cycle before giving up with ErrBusy.
func (w *Worker) DrainNow(ctx context.Context) (*DrainSummary, error) {
	timer := time.NewTimer(w.opts.DrainWaitTimeout)
	defer timer.Stop()
	select {
	case w.sem <- struct{}{}:
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-w.sem }()

	if _, err := w.reclaimer.Reclaim(ctx); err != nil {
		return nil, fmt.Errorf("reclaiming stuck documents: %w", err)
	}

	summary := &DrainSummary{}
	for summary.Batches < w.opts.MaxDrainBatches {
		n, err := w.batch(ctx, summary)
		if n > 0 {
			summary.Batches++
		}
		if err != nil {
			return summary, err
		}
		if n == 0 {
			break
		}
	}

	w.log.Info("queue drained", "batches", summary.Batches, "completed", summary.Completed,
		"failed", summary.Failed, "discarded", summary.Discarded, "duplicates", summary.Duplicates)
	return summary, nil
}

// Reclaim runs the stuck-item reset on demand.
func (w *Worker) Reclaim(ctx context.Context) (int, error) {
	return w.reclaimer.Reclaim(ctx)
}

// RetryFailed moves every failed document back to pending with a fresh retry budget.
func (w *Worker) RetryFailed(ctx context.Context) (int, error) {
	n, err := w.docs.RetryAllFailed(ctx, w.opts.Now())
	if err != nil {
		return 0, err
	}
	w.log.Info("retrying failed documents", "count", n)
	return n, nil
}

// Cancel discards a pending or processing document. A result arriving for
// it afterwards is dropped.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	ok, err := w.docs.Discard(ctx, id, reasonCancelled, w.opts.Now(),
		models.DocumentStatusPending, models.DocumentStatusProcessing)
	if err != nil {
		return err
	}
	if ok {
		w.log.Info("document cancelled", "document", id)
		return nil
	}

	if _, err := w.docs.Get(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}
	return ErrNotCancellable
}
