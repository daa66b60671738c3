package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/logging"
	"github.com/virology-dashboard/backend/internal/models"
)

type memoryRepo struct {
	mu      sync.Mutex
	jobs    map[string]*models.ArchiveJob
	writes  int
	failing bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{jobs: make(map[string]*models.ArchiveJob)}
}

func (r *memoryRepo) Upsert(_ context.Context, job *models.ArchiveJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("disk full")
	}
	r.writes++
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (*models.ArchiveJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return job.Clone(), nil
}

func TestTracker_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	tr := NewTracker(repo, time.Hour, logging.Discard())

	job := models.NewArchiveJob("j1", "o1", "batch.zip", time.Now())
	require.NoError(t, tr.Create(ctx, job))
	assert.Equal(t, 1, repo.writes)

	updated, err := tr.Update("j1", func(j *models.ArchiveJob) {
		j.Status = models.JobStatusProcessing
		j.TotalEntries = 2
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, updated.Status)

	got, err := tr.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalEntries)

	stored, _ := repo.Get(ctx, "j1")
	assert.Equal(t, models.JobStatusExtracting, stored.Status, "updates stay in cache until persisted")

	tr.Persist(ctx, "j1")
	stored, _ = repo.Get(ctx, "j1")
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
}

func TestTracker_ForwardOnly(t *testing.T) {
	tr := NewTracker(newMemoryRepo(), time.Hour, logging.Discard())
	require.NoError(t, tr.Create(context.Background(), models.NewArchiveJob("j1", "o1", "a.zip", time.Now())))

	_, err := tr.Update("j1", func(j *models.ArchiveJob) { j.Status = models.JobStatusComplete })
	require.NoError(t, err)

	_, err = tr.Update("j1", func(j *models.ArchiveJob) { j.Status = models.JobStatusProcessing })
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = tr.Update("j1", func(j *models.ArchiveJob) { j.Status = models.JobStatusError })
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal states are final")

	got, err := tr.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestTracker_DurableFallbackWithEmptyCache(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	job := models.NewArchiveJob("j9", "o1", "old.zip", time.Now().Add(-time.Hour))
	job.Status = models.JobStatusComplete
	job.TotalEntries, job.ProcessedEntries = 4, 4
	require.NoError(t, repo.Upsert(ctx, job))

	tr := NewTracker(repo, time.Hour, logging.Discard())
	require.Equal(t, 0, tr.Len())

	got, err := tr.Get(ctx, "j9")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, got.Status)
	assert.Equal(t, 4, got.ProcessedEntries)

	_, err = tr.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = tr.Update("j9", func(j *models.ArchiveJob) {})
	assert.ErrorIs(t, err, ErrJobNotFound, "only cached jobs are mutable")
}

func TestTracker_PersistFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	tr := NewTracker(repo, time.Hour, logging.Discard())
	require.NoError(t, tr.Create(ctx, models.NewArchiveJob("j1", "o1", "a.zip", time.Now())))

	repo.failing = true
	assert.NotPanics(t, func() { tr.Persist(ctx, "j1") })

	assert.Error(t, tr.Create(ctx, models.NewArchiveJob("j2", "o1", "b.zip", time.Now())))
}

func TestTracker_Evict(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	tr := NewTracker(newMemoryRepo(), time.Hour, logging.Discard())
	clock := start
	tr.SetClock(func() time.Time { return clock })

	require.NoError(t, tr.Create(ctx, models.NewArchiveJob("done", "o", "a.zip", start)))
	require.NoError(t, tr.Create(ctx, models.NewArchiveJob("running", "o", "b.zip", start)))
	_, err := tr.Update("done", func(j *models.ArchiveJob) { j.Status = models.JobStatusComplete })
	require.NoError(t, err)

	clock = start.Add(90 * time.Minute)
	_, err = tr.Update("running", func(j *models.ArchiveJob) { j.ProcessedEntries++ })
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Evict(clock))
	assert.Equal(t, 1, tr.Len())

	// a quiet running job stays mutable
	assert.Equal(t, 0, tr.Evict(clock.Add(5*time.Hour)))
	assert.Equal(t, 1, tr.Len())
	_, err = tr.Update("running", func(j *models.ArchiveJob) { j.Status = models.JobStatusComplete })
	require.NoError(t, err, "updates after a long silence still land")

	assert.Equal(t, 1, tr.Evict(clock.Add(5*time.Hour)))
	assert.Equal(t, 0, tr.Len())

	got, err := tr.Get(ctx, "done")
	require.NoError(t, err, "evicted jobs are still readable from the repository")
	assert.Equal(t, "done", got.ID)
}

func TestTracker_ErrorsStayBoundedAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	tr := NewTracker(repo, time.Hour, logging.Discard())
	require.NoError(t, tr.Create(ctx, models.NewArchiveJob("j1", "o1", "a.zip", time.Now())))

	const failures = 5000
	for i := 0; i < failures; i++ {
		_, err := tr.Update("j1", func(j *models.ArchiveJob) {
			j.FailedCount++
			j.AddError("entry failed")
		})
		require.NoError(t, err)
	}

	got, err := tr.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, failures, got.FailedCount)
	assert.Len(t, got.Errors, models.MaxJobErrors)
	assert.Equal(t, failures-models.MaxJobErrors, got.ErrorsOmitted)

	tr.Persist(ctx, "j1")
	stored, _ := repo.Get(ctx, "j1")
	assert.Len(t, stored.Errors, models.MaxJobErrors)
}

func TestTracker_Subscribe(t *testing.T) {
	tr := NewTracker(newMemoryRepo(), time.Hour, logging.Discard())
	require.NoError(t, tr.Create(context.Background(), models.NewArchiveJob("j1", "o", "a.zip", time.Now())))

	ch, cancel := tr.Subscribe("j1")
	defer cancel()

	for i := 1; i <= 3; i++ {
		_, err := tr.Update("j1", func(j *models.ArchiveJob) { j.ProcessedEntries = i })
		require.NoError(t, err)
	}

	select {
	case snap := <-ch:
		assert.Equal(t, 3, snap.ProcessedEntries, "only the latest snapshot is kept")
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}

	cancel()
	_, err := tr.Update("j1", func(j *models.ArchiveJob) { j.ProcessedEntries = 9 })
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("cancelled subscription must not receive")
	default:
	}
}
