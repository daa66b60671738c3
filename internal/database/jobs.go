package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/virology-dashboard/backend/internal/models"
)

// JobStore persists archive job progress.
type JobStore struct {
	db *sql.DB
}

const jobColumns = `id, owner_id, file_name, status, total_entries, processed_entries,
	uploaded_count, duplicate_count, failed_count, errors, errors_omitted, started_at, completed_at`

// Upsert writes the full job snapshot. Repeating it with the same snapshot is
// harmless. Document ids are not part of the row; they live on documents.job_id.
func (s *JobStore) Upsert(ctx context.Context, job *models.ArchiveJob) error {
	errs, err := encodeSet(job.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO archive_jobs (`+jobColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			total_entries = excluded.total_entries,
			processed_entries = excluded.processed_entries,
			uploaded_count = excluded.uploaded_count,
			duplicate_count = excluded.duplicate_count,
			failed_count = excluded.failed_count,
			errors = excluded.errors,
			errors_omitted = excluded.errors_omitted,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		job.ID, job.OwnerID, job.FileName, string(job.Status), job.TotalEntries, job.ProcessedEntries,
		job.UploadedCount, job.DuplicateCount, job.FailedCount, errs, job.ErrorsOmitted,
		toMillis(job.StartedAt), nullMillis(job.CompletedAt), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.ArchiveJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM archive_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// ListByStatus returns jobs in any of the given states.
func (s *JobStore) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.ArchiveJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM archive_jobs WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY started_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.ArchiveJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*models.ArchiveJob, error) {
	var (
		job                                   models.ArchiveJob
		status                                string
		total, processed, uploaded, dup, fail int64
		omitted, started                      int64
		errs                                  []byte
		completed                             sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &job.FileName, &status, &total, &processed,
		&uploaded, &dup, &fail, &errs, &omitted, &started, &completed); err != nil {
		return nil, err
	}
	var err error
	if job.Errors, err = decodeStrings(errs); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.TotalEntries = int(total)
	job.ProcessedEntries = int(processed)
	job.UploadedCount = int(uploaded)
	job.DuplicateCount = int(dup)
	job.FailedCount = int(fail)
	job.ErrorsOmitted = int(omitted)
	job.StartedAt = fromMillis(started)
	job.CompletedAt = fromNullMillis(completed)
	return &job, nil
}
