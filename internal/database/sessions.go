package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/virology-dashboard/backend/internal/models"
)

// SessionStore persists upload sessions.
type SessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, owner_id, file_name, total_size, chunk_size, total_chunks,
	received_chunks, received_bytes, status, job_id, created_at, updated_at`

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, sess *models.UploadSession) error {
	chunks, err := encodeSet(sess.ReceivedChunks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.FileName, sess.TotalSize, sess.ChunkSize, sess.TotalChunks,
		chunks, sess.ReceivedBytes, string(sess.Status), sess.JobID,
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sess, nil
}

// Save writes the mutable fields of a session.
func (s *SessionStore) Save(ctx context.Context, sess *models.UploadSession) error {
	chunks, err := encodeSet(sess.ReceivedChunks)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE upload_sessions
		SET received_chunks = ?, received_bytes = ?, status = ?, job_id = ?, updated_at = ?
		WHERE id = ?`,
		chunks, sess.ReceivedBytes, string(sess.Status), sess.JobID, toMillis(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", sess.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a session from one status to another only if it is
// still in the expected status. Reports whether the row changed.
func (s *SessionStore) TransitionStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(now), id, string(from))
	if err != nil {
		return false, fmt.Errorf("updating session %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a session row. Deleting a missing row is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// ListCreatedBefore returns sessions created before the cutoff, oldest first.
func (s *SessionStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE created_at < ? ORDER BY created_at`,
		toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var (
		sess       models.UploadSession
		chunks     []byte
		status     string
		created    int64
		updated    int64
		totalChunk int64
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.FileName, &sess.TotalSize, &sess.ChunkSize,
		&totalChunk, &chunks, &sess.ReceivedBytes, &status, &sess.JobID, &created, &updated); err != nil {
		return nil, err
	}
	received, err := decodeInts(chunks)
	if err != nil {
		return nil, err
	}
	sess.TotalChunks = int(totalChunk)
	sess.ReceivedChunks = received
	sess.Status = models.SessionStatus(status)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	return &sess, nil
}
