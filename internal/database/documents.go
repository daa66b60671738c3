package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/virology-dashboard/backend/internal/models"
)

// DocumentStore is the persistent work queue of documents awaiting extraction.
type DocumentStore struct {
	db *sql.DB
}

const documentColumns = `id, owner_id, job_id, file_name, fingerprint, storage_key, mime_type,
	byte_size, status, error_text, retry_count, extracted_data, raw_text,
	created_at, updated_at, processed_at`

// Create claims the document's fingerprint and inserts the row in one
// transaction. A fingerprint already held by another document yields ErrDuplicate.
func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(doc.CreatedAt)
	if _, err := tx.ExecContext(ctx, `INSERT INTO document_fingerprints (fingerprint, document_id, created_at)
		VALUES (?, ?, ?) ON CONFLICT (fingerprint) DO NOTHING`, doc.Fingerprint, doc.ID, now); err != nil {
		return fmt.Errorf("claiming fingerprint: %w", err)
	}

	var holder string
	if err := tx.QueryRowContext(ctx,
		`SELECT document_id FROM document_fingerprints WHERE fingerprint = ?`, doc.Fingerprint).Scan(&holder); err != nil {
		return fmt.Errorf("reading fingerprint claim: %w", err)
	}
	if holder != doc.ID {
		return ErrDuplicate
	}

	var extracted sql.NullString
	if len(doc.ExtractedData) > 0 {
		extracted = sql.NullString{String: string(doc.ExtractedData), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.JobID, doc.FileName, doc.Fingerprint, doc.StorageKey, doc.MimeType,
		doc.ByteSize, string(doc.Status), doc.ErrorText, doc.RetryCount, extracted, doc.RawText,
		now, toMillis(doc.UpdatedAt), nullMillis(doc.ProcessedAt)); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	return tx.Commit()
}

// IsDuplicate reports whether a non-discarded document already holds the fingerprint.
func (s *DocumentStore) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	holder, err := s.ClaimHolder(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

// ClaimHolder returns the id of the document holding the fingerprint, or "".
func (s *DocumentStore) ClaimHolder(ctx context.Context, fingerprint string) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id FROM document_fingerprints WHERE fingerprint = ?`, fingerprint).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up fingerprint: %w", err)
	}
	return holder, nil
}

// Get loads a document by id.
func (s *DocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}
	return doc, nil
}

// ListIDsByJob returns the ids of the documents an archive job created, in
// creation order.
func (s *DocumentStore) ListIDsByJob(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing documents of job %s: %w", jobID, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPending returns up to limit pending documents, oldest first.
func (s *DocumentStore) ListPending(ctx context.Context, limit int) ([]*models.Document, error) {
	return s.List(ctx, models.DocumentStatusPending, limit)
}

// List returns documents in the given status (all when empty), oldest first.
func (s *DocumentStore) List(ctx context.Context, status models.DocumentStatus, limit int) ([]*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.query(ctx, query, args...)
}

// CountByStatus returns the number of documents per status.
func (s *DocumentStore) CountByStatus(ctx context.Context) (map[models.DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}
	defer rows.Close()

	out := make(map[models.DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.DocumentStatus(status)] = int(n)
	}
	return out, rows.Err()
}

// MarkProcessing claims a pending document for dispatch. Reports false if
// another caller claimed it or it left the pending state.
func (s *DocumentStore) MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE documents SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.DocumentStatusProcessing), toMillis(now), id, string(models.DocumentStatusPending))
}

// Complete stores the extraction result. Only applies while the document is processing.
func (s *DocumentStore) Complete(ctx context.Context, id string, data json.RawMessage, rawText string, now time.Time) (bool, error) {
	var extracted sql.NullString
	if len(data) > 0 {
		extracted = sql.NullString{String: string(data), Valid: true}
	}
	ms := toMillis(now)
	return s.transition(ctx, `UPDATE documents
		SET status = ?, extracted_data = ?, raw_text = ?, error_text = '', updated_at = ?, processed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.DocumentStatusCompleted), extracted, rawText, ms, ms, id, string(models.DocumentStatusProcessing))
}

// Fail records an extraction failure. Only applies while the document is processing.
func (s *DocumentStore) Fail(ctx context.Context, id, errText string, now time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE documents SET status = ?, error_text = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.DocumentStatusFailed), errText, toMillis(now), id, string(models.DocumentStatusProcessing))
}

// Discard moves a document in one of the from states to discarded and
// releases its fingerprint claim.
func (s *DocumentStore) Discard(ctx context.Context, id, reason string, now time.Time, from ...models.DocumentStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	args := []any{string(models.DocumentStatusDiscarded), reason, toMillis(now), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?, error_text = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("discarding document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_fingerprints WHERE document_id = ?`, id); err != nil {
		return false, fmt.Errorf("releasing fingerprint for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ScheduleRetries moves failed documents back to pending once their backoff
// has elapsed. backoff receives the current retry count. Returns the number requeued.
func (s *DocumentStore) ScheduleRetries(ctx context.Context, maxRetries int, backoff func(retryCount int) time.Duration, now time.Time) (int, error) {
	candidates, err := s.query(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND retry_count < ? ORDER BY updated_at`,
		string(models.DocumentStatusFailed), maxRetries)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, doc := range candidates {
		if backoff != nil && doc.UpdatedAt.Add(backoff(doc.RetryCount)).After(now) {
			continue
		}
		next := doc.RetryCount + 1
		note := fmt.Sprintf("retry %d/%d scheduled after: %s", next, maxRetries, doc.ErrorText)
		ok, err := s.transition(ctx, `UPDATE documents SET status = ?, retry_count = ?, error_text = ?, updated_at = ?
			WHERE id = ? AND status = ? AND retry_count = ?`,
			string(models.DocumentStatusPending), next, note, toMillis(now),
			doc.ID, string(models.DocumentStatusFailed), doc.RetryCount)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

// ResetStuck moves documents that have been processing since before cutoff
// back to pending without touching their retry count.
func (s *DocumentStore) ResetStuck(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(models.DocumentStatusPending), toMillis(now),
		string(models.DocumentStatusProcessing), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("resetting stuck documents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RetryAllFailed moves every failed document back to pending with a fresh retry budget.
func (s *DocumentStore) RetryAllFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, retry_count = 0, error_text = '', updated_at = ?
		WHERE status = ?`,
		string(models.DocumentStatusPending), toMillis(now), string(models.DocumentStatusFailed))
	if err != nil {
		return 0, fmt.Errorf("retrying failed documents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *DocumentStore) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DocumentStore) query(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc       models.Document
		status    string
		retry     int64
		extracted sql.NullString
		rawText   sql.NullString
		created   int64
		updated   int64
		processed sql.NullInt64
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.JobID, &doc.FileName, &doc.Fingerprint, &doc.StorageKey,
		&doc.MimeType, &doc.ByteSize, &status, &doc.ErrorText, &retry, &extracted, &rawText,
		&created, &updated, &processed); err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	doc.RetryCount = int(retry)
	if extracted.Valid && extracted.String != "" {
		doc.ExtractedData = json.RawMessage(extracted.String)
	}
	doc.RawText = rawText.String
	doc.CreatedAt = fromMillis(created)
	doc.UpdatedAt = fromMillis(updated)
	doc.ProcessedAt = fromNullMillis(processed)
	return &doc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
