// Package ingest turns uploaded archives and single documents into pending
// work items: entries are streamed one at a time, fingerprinted, deduplicated,
// stored in the blob store and queued for extraction.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/fingerprint"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/storage"
)

var (
	ErrUnsupportedType = errors.New("file type is not accepted")
	ErrEntryTooLarge   = errors.New("file exceeds maximum document size")
)

// DocumentRepository is the subset of the document queue ingest writes to.
type DocumentRepository interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Create(ctx context.Context, doc *models.Document) error
}

// JobRepository is used to recover jobs left running by a previous process.
type JobRepository interface {
	ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.ArchiveJob, error)
	Upsert(ctx context.Context, job *models.ArchiveJob) error
}

// JobTracker records archive job progress.
type JobTracker interface {
	Create(ctx context.Context, job *models.ArchiveJob) error
	Update(id string, fn func(job *models.ArchiveJob)) (*models.ArchiveJob, error)
	Persist(ctx context.Context, id string)
}

// Options configures a Service.
type Options struct {
	AllowedExtensions []string
	MaxEntrySize      int64
	PersistEvery      int
	BlobPrefix        string
	Now               func() time.Time
	Logger            *slog.Logger
}

// AdmitResult reports what happened to one candidate document.
type AdmitResult struct {
	Document  *models.Document `json:"document,omitempty"`
	Duplicate bool             `json:"duplicate"`
}

// Service runs archive jobs and single-document ingestion.
type Service struct {
	docs    DocumentRepository
	jobs    JobRepository
	tracker JobTracker
	blobs   storage.BlobStore
	hasher  *fingerprint.Hasher
	filter  *Filter
	opts    Options
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewService wires the ingest pipeline.
func NewService(docs DocumentRepository, jobs JobRepository, tracker JobTracker, blobs storage.BlobStore, hasher *fingerprint.Hasher, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PersistEvery <= 0 {
		opts.PersistEvery = 10
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = 100 << 20
	}
	if opts.BlobPrefix == "" {
		opts.BlobPrefix = "documents"
	}
	return &Service{
		docs:    docs,
		jobs:    jobs,
		tracker: tracker,
		blobs:   blobs,
		hasher:  hasher,
		filter:  NewFilter(opts.AllowedExtensions),
		opts:    opts,
		log:     opts.Logger.With("component", "ingest"),
	}
}

// Wait blocks until all running archive jobs have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for running archive jobs until ctx is done. Jobs still
// running then are left to RecoverInterruptedJobs on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("archive jobs still running at shutdown", "error", ctx.Err())
		return ctx.Err()
	}
}

// StartArchiveJob creates the job and processes the archive in the background.
// The service owns archivePath from here on and always deletes it.
func (s *Service) StartArchiveJob(ctx context.Context, owner, fileName, archivePath string) (*models.ArchiveJob, error) {
	job := models.NewArchiveJob(uuid.New().String(), owner, fileName, s.opts.Now())
	if err := s.tracker.Create(ctx, job); err != nil {
		s.removeArchive(archivePath)
		return nil, err
	}

	s.log.Info("archive job started", "job", job.ID, "owner", owner, "file", fileName)

	// processing outlives the request that started it
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Process(bg, job.ID, archivePath, owner)
	}()
	return job.Clone(), nil
}

// Process extracts every valid entry of the archive into pending documents.
// Per-entry failures are recorded on the job and never stop it.
func (s *Service) Process(ctx context.Context, jobID, archivePath, owner string) {
	log := s.log.With("job", jobID)
	defer s.removeArchive(archivePath)
	defer func() {
		if r := recover(); r != nil {
			log.Error("archive processing panicked", "panic", r)
			s.failJob(ctx, jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	arc, format, err := openArchive(archivePath)
	if err != nil {
		log.Warn("cannot open archive", "error", err)
		s.failJob(ctx, jobID, fmt.Sprintf("cannot open archive: %v", err))
		return
	}
	defer arc.Close()

	total, err := arc.Count(s.filter)
	if err != nil {
		log.Warn("cannot enumerate archive", "error", err)
		s.failJob(ctx, jobID, fmt.Sprintf("cannot read archive: %v", err))
		return
	}

	if _, err := s.tracker.Update(jobID, func(j *models.ArchiveJob) {
		j.Status = models.JobStatusProcessing
		j.TotalEntries = total
	}); err != nil {
		log.Error("cannot update job", "error", err)
		return
	}
	s.tracker.Persist(ctx, jobID)
	log.Info("processing archive", "format", format, "entries", total)

	processed := 0
	walkErr := arc.Walk(s.filter, func(e archiveEntry) error {
		s.processEntry(ctx, jobID, owner, e)
		processed++
		if processed%s.opts.PersistEvery == 0 {
			s.tracker.Persist(ctx, jobID)
		}
		return nil
	})

	final, err := s.tracker.Update(jobID, func(j *models.ArchiveJob) {
		if walkErr != nil {
			remaining := j.TotalEntries - j.ProcessedEntries
			if remaining < 0 {
				remaining = 0
			}
			j.AddError(fmt.Sprintf("archive stream: %v", walkErr))
			j.FailedCount += remaining
			j.ProcessedEntries += remaining
		}
		j.Status = models.JobStatusComplete
	})
	if err != nil {
		log.Error("cannot complete job", "error", err)
		return
	}
	s.tracker.Persist(ctx, jobID)

	log.Info("archive job complete", "entries", final.TotalEntries, "uploaded", final.UploadedCount,
		"duplicates", final.DuplicateCount, "failed", final.FailedCount)
}

func (s *Service) processEntry(ctx context.Context, jobID, owner string, e archiveEntry) {
	name := baseName(e.Name)

	res, err := func() (*AdmitResult, error) {
		if e.Size > s.opts.MaxEntrySize {
			return nil, fmt.Errorf("%w (%d bytes)", ErrEntryTooLarge, e.Size)
		}
		data, fp, err := s.readEntry(e.Body)
		if err != nil {
			return nil, err
		}
		return s.admit(ctx, owner, jobID, name, fp, data)
	}()

	_, updErr := s.tracker.Update(jobID, func(j *models.ArchiveJob) {
		j.ProcessedEntries++
		switch {
		case err != nil:
			j.FailedCount++
			j.AddError(fmt.Sprintf("%s: %v", e.Name, err))
		case res.Duplicate:
			j.DuplicateCount++
		default:
			j.UploadedCount++
		}
	})
	if updErr != nil {
		s.log.Error("cannot record entry result", "job", jobID, "entry", e.Name, "error", updErr)
	}
	if err != nil {
		s.log.Warn("archive entry failed", "job", jobID, "entry", e.Name, "error", err)
	}
}

// readEntry buffers at most MaxEntrySize bytes of r and fingerprints them in
// the same pass.
func (s *Service) readEntry(r io.Reader) ([]byte, string, error) {
	max := s.opts.MaxEntrySize
	var buf bytes.Buffer
	fp, n, err := s.hasher.SumReader(io.TeeReader(io.LimitReader(r, max+1), &buf))
	if err != nil {
		return nil, "", fmt.Errorf("reading entry: %w", err)
	}
	if n > max {
		return nil, "", fmt.Errorf("%w (limit %d bytes)", ErrEntryTooLarge, max)
	}
	return buf.Bytes(), fp, nil
}

// AdmitDocument fingerprints data and, unless it duplicates an existing
// document, stores the blob and queues a pending document.
func (s *Service) AdmitDocument(ctx context.Context, owner, jobID, fileName string, data []byte) (*AdmitResult, error) {
	return s.admit(ctx, owner, jobID, fileName, s.hasher.Sum(data), data)
}

func (s *Service) admit(ctx context.Context, owner, jobID, fileName, fp string, data []byte) (*AdmitResult, error) {
	dup, err := s.docs.IsDuplicate(ctx, fp)
	if err != nil {
		return nil, err
	}
	if dup {
		return &AdmitResult{Duplicate: true}, nil
	}

	mimeType := MimeType(fileName)
	key := storage.NewBlobKey(s.opts.BlobPrefix, fileName)
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return nil, fmt.Errorf("storing blob: %w", err)
	}

	now := s.opts.Now()
	doc := &models.Document{
		ID:          uuid.New().String(),
		OwnerID:     owner,
		JobID:       jobID,
		FileName:    fileName,
		Fingerprint: fp,
		StorageKey:  key,
		MimeType:    mimeType,
		ByteSize:    int64(len(data)),
		Status:      models.DocumentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		if _, delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.log.Warn("failed to remove orphaned blob", "key", key, "error", delErr)
		}
		if errors.Is(err, database.ErrDuplicate) {
			return &AdmitResult{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("queueing document: %w", err)
	}

	return &AdmitResult{Document: doc}, nil
}

// IngestDirect admits a single uploaded document.
func (s *Service) IngestDirect(ctx context.Context, owner, fileName string, r io.Reader) (*AdmitResult, error) {
	name := baseName(fileName)
	if !s.filter.Accept(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, name)
	}
	data, fp, err := s.readEntry(r)
	if err != nil {
		return nil, err
	}

	res, err := s.admit(ctx, owner, "", name, fp, data)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		s.log.Info("duplicate document skipped", "owner", owner, "file", name)
	} else {
		s.log.Info("document queued", "owner", owner, "file", name, "document", res.Document.ID)
	}
	return res, nil
}

// RecoverInterruptedJobs marks jobs a previous process left running as failed.
func (s *Service) RecoverInterruptedJobs(ctx context.Context) (int, error) {
	stale, err := s.jobs.ListByStatus(ctx, models.JobStatusExtracting, models.JobStatusProcessing)
	if err != nil {
		return 0, err
	}
	now := s.opts.Now()
	for _, job := range stale {
		job.Status = models.JobStatusError
		job.AddError("interrupted by restart")
		job.CompletedAt = &now
		if err := s.jobs.Upsert(ctx, job); err != nil {
			return 0, fmt.Errorf("recovering job %s: %w", job.ID, err)
		}
		s.log.Warn("archive job interrupted by restart", "job", job.ID, "processed", job.ProcessedEntries, "total", job.TotalEntries)
	}
	return len(stale), nil
}

func (s *Service) failJob(ctx context.Context, jobID, reason string) {
	if _, err := s.tracker.Update(jobID, func(j *models.ArchiveJob) {
		j.Status = models.JobStatusError
		j.AddError(reason)
	}); err != nil {
		s.log.Error("cannot mark job failed", "job", jobID, "error", err)
		return
	}
	s.tracker.Persist(ctx, jobID)
}

func (s *Service) removeArchive(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove archive", "path", path, "error", err)
	}
}
