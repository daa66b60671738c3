package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/extraction"
	"github.com/virology-dashboard/backend/internal/logging"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type workerEnv struct {
	w         *Worker
	docs      *database.DocumentStore
	blobs     *testutil.MockBlobStore
	extractor *testutil.ScriptedExtractor
	clock     *fakeClock
}

func newWorkerEnv(t *testing.T, mutate func(*Options)) *workerEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	env := &workerEnv{
		docs:      db.Documents(),
		blobs:     testutil.NewMockBlobStore(),
		extractor: testutil.NewScriptedExtractor(nil),
		clock:     newClock(),
	}
	opts := Options{
		BatchSize:        3,
		MaxRetries:       3,
		RetryBackoff:     time.Minute,
		StuckTimeout:     10 * time.Minute,
		DrainWaitTimeout: time.Second,
		MaxDrainBatches:  100,
		Now:              env.clock.Now,
		Logger:           logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.w = New(env.docs, env.blobs, env.extractor, opts)
	return env
}

// seed queues n pending documents with stored blobs, oldest first.
func (e *workerEnv) seed(t *testing.T, n int) []*models.Document {
	t.Helper()
	ctx := context.Background()
	var out []*models.Document
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("documents/k%d/doc-%d.pdf", i, i)
		_, err := e.blobs.Put(ctx, key, strings.NewReader("pdf"), 3, "application/pdf")
		require.NoError(t, err)

		created := e.clock.Now().Add(time.Duration(i) * time.Millisecond)
		doc := &models.Document{
			ID:          fmt.Sprintf("doc-%d", i),
			OwnerID:     "owner-1",
			FileName:    fmt.Sprintf("doc-%d.pdf", i),
			Fingerprint: fmt.Sprintf("fp-%d", i),
			StorageKey:  key,
			MimeType:    "application/pdf",
			ByteSize:    3,
			Status:      models.DocumentStatusPending,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
		require.NoError(t, e.docs.Create(ctx, doc))
		out = append(out, doc)
	}
	return out
}

func (e *workerEnv) get(t *testing.T, id string) *models.Document {
	t.Helper()
	doc, err := e.docs.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestTick_DispatchesOneBatch(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 4)

	assert.True(t, env.w.Tick(context.Background()))

	for _, d := range docs[:3] {
		got := env.get(t, d.ID)
		assert.Equal(t, models.DocumentStatusCompleted, got.Status)
		assert.JSONEq(t, `{"sampleId":"S-1","result":"negative"}`, string(got.ExtractedData))
		assert.Equal(t, "sample S-1 negative", got.RawText)
		assert.NotNil(t, got.ProcessedAt)
	}
	assert.Equal(t, models.DocumentStatusPending, env.get(t, docs[3].ID).Status)

	calls := env.extractor.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "mem://"+docs[0].StorageKey, calls[0].FileURL)
	assert.Equal(t, "application/pdf", calls[0].MimeType)
}

func TestTick_Outcomes(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 3)
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		switch {
		case strings.Contains(fileURL, "doc-1"):
			return &extraction.Result{HasResult: false}, nil
		case strings.Contains(fileURL, "doc-2"):
			return nil, errors.New("extraction service returned 502: bad gateway")
		}
		return testutil.OKResult(), nil
	}

	env.w.Tick(context.Background())

	assert.Equal(t, models.DocumentStatusCompleted, env.get(t, docs[0].ID).Status)

	discarded := env.get(t, docs[1].ID)
	assert.Equal(t, models.DocumentStatusDiscarded, discarded.Status)
	assert.Equal(t, reasonNoResult, discarded.ErrorText)
	holder, err := env.docs.ClaimHolder(context.Background(), docs[1].Fingerprint)
	require.NoError(t, err)
	assert.Empty(t, holder, "discarding releases the fingerprint")

	failed := env.get(t, docs[2].ID)
	assert.Equal(t, models.DocumentStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorText, "502")
	assert.Equal(t, 0, failed.RetryCount)
}

func TestTick_BoundedRetries(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 1)
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		return nil, errors.New("always down")
	}
	ctx := context.Background()

	env.w.Tick(ctx)
	assert.Equal(t, 1, env.extractor.CallCount())

	// backoff has not elapsed yet
	env.w.Tick(ctx)
	assert.Equal(t, 1, env.extractor.CallCount())

	for i := 0; i < 10; i++ {
		env.clock.Advance(time.Hour)
		env.w.Tick(ctx)
	}

	assert.Equal(t, 4, env.extractor.CallCount(), "one attempt plus exactly MaxRetries retries")
	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestBackoff_Doubles(t *testing.T) {
	env := newWorkerEnv(t, nil)
	assert.Equal(t, time.Minute, env.w.Backoff(0))
	assert.Equal(t, 2*time.Minute, env.w.Backoff(1))
	assert.Equal(t, 8*time.Minute, env.w.Backoff(3))
	assert.Equal(t, env.w.Backoff(16), env.w.Backoff(40))
}

func TestReclaim_ResetsStuckKeepingRetryCount(t *testing.T) {
	env := newWorkerEnv(t, nil)
	ctx := context.Background()
	docs := env.seed(t, 2)

	ok, err := env.docs.MarkProcessing(ctx, docs[0].ID, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(5 * time.Minute)
	ok, err = env.docs.MarkProcessing(ctx, docs[1].ID, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(6 * time.Minute)
	n, err := env.w.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusPending, first.Status)
	assert.Equal(t, 0, first.RetryCount)
	assert.Equal(t, models.DocumentStatusProcessing, env.get(t, docs[1].ID).Status)
}

func TestTick_ReclaimsStuckAndProcessesIt(t *testing.T) {
	env := newWorkerEnv(t, nil)
	ctx := context.Background()
	docs := env.seed(t, 1)

	// a previous cycle claimed the item and died mid-extraction
	ok, err := env.docs.MarkProcessing(ctx, docs[0].ID, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(5 * time.Minute)
	assert.True(t, env.w.Tick(ctx))
	assert.Equal(t, models.DocumentStatusProcessing, env.get(t, docs[0].ID).Status, "not stuck yet")
	assert.Empty(t, env.extractor.Calls())

	env.clock.Advance(6 * time.Minute)
	assert.True(t, env.w.Tick(ctx))

	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount, "reclaiming does not spend a retry")
	require.Len(t, env.extractor.Calls(), 1)
}

func TestTick_NoOpWhileBusy(t *testing.T) {
	env := newWorkerEnv(t, func(o *Options) { o.DrainWaitTimeout = 20 * time.Millisecond })
	env.seed(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		close(started)
		<-release
		return testutil.OKResult(), nil
	}

	done := make(chan bool)
	go func() { done <- env.w.Tick(context.Background()) }()
	<-started

	assert.False(t, env.w.Tick(context.Background()))
	_, err := env.w.DrainNow(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, env.extractor.CallCount())
}

func TestDrainNow_Summary(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 7)
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		switch {
		case strings.Contains(fileURL, "doc-4"):
			return nil, errors.New("timeout")
		case strings.Contains(fileURL, "doc-5"):
			return &extraction.Result{}, nil
		}
		return testutil.OKResult(), nil
	}

	// a stuck item is recovered before draining
	ok, err := env.docs.MarkProcessing(context.Background(), docs[6].ID, env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	env.clock.Advance(time.Hour)

	summary, err := env.w.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &DrainSummary{Completed: 5, Failed: 1, Discarded: 1, Batches: 3}, summary)

	pending, err := env.docs.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainNow_BoundedBatches(t *testing.T) {
	env := newWorkerEnv(t, func(o *Options) {
		o.BatchSize = 1
		o.MaxDrainBatches = 2
	})
	env.seed(t, 5)

	summary, err := env.w.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 2, summary.Completed)
}

type claimOverride struct {
	*database.DocumentStore
	holder string
}

func (c claimOverride) ClaimHolder(ctx context.Context, fingerprint string) (string, error) {
	return c.holder, nil
}

func TestDispatch_SkipsDuplicate(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 1)
	w := New(claimOverride{DocumentStore: env.docs, holder: "other-doc"}, env.blobs, env.extractor,
		Options{Now: env.clock.Now, Logger: logging.Discard()})

	summary, err := w.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 0, env.extractor.CallCount())

	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusDiscarded, got.Status)
	assert.Contains(t, got.ErrorText, "other-doc")
}

func TestDispatch_RecoversPanic(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 2)
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		if strings.Contains(fileURL, "doc-0") {
			panic("boom")
		}
		return testutil.OKResult(), nil
	}

	env.w.Tick(context.Background())

	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusFailed, got.Status)
	assert.Contains(t, got.ErrorText, "boom")
	assert.Equal(t, models.DocumentStatusCompleted, env.get(t, docs[1].ID).Status)
}

func TestDispatch_MissingBlobFails(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 1)
	_, err := env.blobs.Delete(context.Background(), docs[0].StorageKey)
	require.NoError(t, err)

	env.w.Tick(context.Background())

	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusFailed, got.Status)
	assert.Contains(t, got.ErrorText, "resolving blob")
	assert.Equal(t, 0, env.extractor.CallCount())
}

func TestCancel_WinsOverInFlightExtraction(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		close(started)
		<-release
		return testutil.OKResult(), nil
	}

	done := make(chan struct{})
	go func() {
		env.w.Tick(context.Background())
		close(done)
	}()
	<-started

	require.NoError(t, env.w.Cancel(context.Background(), docs[0].ID))
	close(release)
	<-done

	got := env.get(t, docs[0].ID)
	assert.Equal(t, models.DocumentStatusDiscarded, got.Status)
	assert.Equal(t, reasonCancelled, got.ErrorText)
	assert.Empty(t, got.ExtractedData)
}

func TestCancel_Errors(t *testing.T) {
	env := newWorkerEnv(t, nil)
	docs := env.seed(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, env.w.Cancel(ctx, "missing"), ErrDocumentNotFound)

	env.w.Tick(ctx)
	assert.ErrorIs(t, env.w.Cancel(ctx, docs[0].ID), ErrNotCancellable)
}

func TestRetryFailed(t *testing.T) {
	env := newWorkerEnv(t, func(o *Options) { o.MaxRetries = 0 })
	docs := env.seed(t, 2)
	env.extractor.Fn = func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
		return nil, errors.New("down")
	}
	ctx := context.Background()
	env.w.Tick(ctx)

	n, err := env.w.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, d := range docs {
		got := env.get(t, d.ID)
		assert.Equal(t, models.DocumentStatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
	}
}
