// Package upload implements the resumable chunked upload protocol: session
// creation, idempotent chunk receipt and ordered reassembly on finalize.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/storage"
)

// SessionRepository is the durable session record.
type SessionRepository interface {
	Create(ctx context.Context, sess *models.UploadSession) error
	Get(ctx context.Context, id string) (*models.UploadSession, error)
	Save(ctx context.Context, sess *models.UploadSession) error
	TransitionStatus(ctx context.Context, id string, from, to models.SessionStatus, now time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error)
}

// ChunkStorage holds chunk bytes until reassembly.
type ChunkStorage interface {
	SaveChunk(sessionID string, index int, r io.Reader, maxBytes int64) (int64, error)
	SaveChunkExact(sessionID string, index int, r io.Reader, size int64) (int64, error)
	Assemble(sessionID string, totalChunks int, dst string) (int64, error)
	DeleteChunks(sessionID string) error
}

// Options configures a Manager.
type Options struct {
	MaxUploadSize     int64
	MaxChunkSize      int64 // also the default chunk size
	SessionTTL        time.Duration
	ArchiveExtensions []string
	AssemblyDir       string
	MinFreeDisk       int64
	// FreeSpace reports free bytes on the volume holding path. Nil skips the check.
	FreeSpace func(path string) (uint64, error)
	Now       func() time.Time
	Logger    *slog.Logger
}

// InitRequest declares a new upload. Either ChunkSize or TotalChunks may be
// omitted; when both are given they must agree.
type InitRequest struct {
	OwnerID     string
	FileName    string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int
}

// ChunkReceipt acknowledges a chunk.
type ChunkReceipt struct {
	Received int  `json:"received"`
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
}

// Manager coordinates upload sessions. Session metadata changes are
// serialized by mu; chunk bytes are written outside it.
type Manager struct {
	mu       sync.Mutex
	sessions SessionRepository
	chunks   ChunkStorage
	opts     Options
	log      *slog.Logger
}

// NewManager creates an upload manager.
func NewManager(sessions SessionRepository, chunks ChunkStorage, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = 50 << 20
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 1536 << 20
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	return &Manager{
		sessions: sessions,
		chunks:   chunks,
		opts:     opts,
		log:      opts.Logger.With("component", "upload"),
	}
}

// DiskFree returns the free bytes on the volume holding path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// IsArchiveName reports whether fileName ends in one of the accepted archive extensions.
func IsArchiveName(fileName string, extensions []string) bool {
	lower := strings.ToLower(fileName)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Init validates the declaration and creates an active session.
func (m *Manager) Init(ctx context.Context, req InitRequest) (*models.UploadSession, error) {
	if req.OwnerID == "" {
		return nil, invalid("owner is required")
	}
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, invalid("fileName is required")
	}
	if req.TotalSize <= 0 {
		return nil, invalid("totalSize must be positive")
	}
	if req.TotalSize > m.opts.MaxUploadSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSizeLimitExceeded, req.TotalSize, m.opts.MaxUploadSize)
	}
	if len(m.opts.ArchiveExtensions) > 0 && !IsArchiveName(name, m.opts.ArchiveExtensions) {
		return nil, invalid("%q is not an accepted archive type", filepath.Base(name))
	}

	chunkSize, totalChunks, err := m.planChunks(req)
	if err != nil {
		return nil, err
	}

	if err := m.checkFreeSpace(req.TotalSize); err != nil {
		return nil, err
	}

	now := m.opts.Now()
	sess := &models.UploadSession{
		ID:             uuid.New().String(),
		OwnerID:        req.OwnerID,
		FileName:       name,
		TotalSize:      req.TotalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ReceivedChunks: []int{},
		Status:         models.SessionStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.log.Info("upload session created", "session", sess.ID, "owner", sess.OwnerID,
		"file", sess.FileName, "size", sess.TotalSize, "chunks", sess.TotalChunks)
	return sess, nil
}

func (m *Manager) planChunks(req InitRequest) (int64, int, error) {
	switch {
	case req.ChunkSize < 0 || req.TotalChunks < 0:
		return 0, 0, invalid("chunkSize and totalChunks must not be negative")
	case req.ChunkSize > m.opts.MaxChunkSize:
		return 0, 0, invalid("chunkSize %d exceeds maximum %d", req.ChunkSize, m.opts.MaxChunkSize)
	case req.ChunkSize > 0:
		derived := int((req.TotalSize + req.ChunkSize - 1) / req.ChunkSize)
		if req.TotalChunks != 0 && req.TotalChunks != derived {
			return 0, 0, invalid("totalChunks %d does not match ceil(totalSize/chunkSize) = %d", req.TotalChunks, derived)
		}
		return req.ChunkSize, derived, nil
	case req.TotalChunks > 0:
		// client-chosen partition: chunk sizes vary, each capped at the maximum
		if int64(req.TotalChunks)*m.opts.MaxChunkSize < req.TotalSize {
			return 0, 0, invalid("%d chunks cannot carry %d bytes", req.TotalChunks, req.TotalSize)
		}
		return 0, req.TotalChunks, nil
	default:
		chunk := m.opts.MaxChunkSize
		return chunk, int((req.TotalSize + chunk - 1) / chunk), nil
	}
}

// checkFreeSpace requires room for the chunks plus the reassembled copy.
func (m *Manager) checkFreeSpace(totalSize int64) error {
	if m.opts.FreeSpace == nil || m.opts.AssemblyDir == "" {
		return nil
	}
	free, err := m.opts.FreeSpace(m.opts.AssemblyDir)
	if err != nil {
		m.log.Warn("free space check failed", "dir", m.opts.AssemblyDir, "error", err)
		return nil
	}
	need := uint64(totalSize)*2 + uint64(m.opts.MinFreeDisk)
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientStorage, need, free)
	}
	return nil
}

// load fetches a session and checks ownership and expiry. Callers hold mu.
func (m *Manager) load(ctx context.Context, sessionID, owner string) (*models.UploadSession, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusExpired || m.opts.Now().Sub(sess.CreatedAt) > m.opts.SessionTTL {
		return nil, ErrSessionNotFound
	}
	if sess.OwnerID != owner {
		return nil, ErrForbidden
	}
	return sess, nil
}

// PutChunk stores one chunk. Re-sending a received index is a no-op success.
func (m *Manager) PutChunk(ctx context.Context, sessionID, owner string, index int, body io.Reader) (*ChunkReceipt, error) {
	m.mu.Lock()
	sess, err := m.load(ctx, sessionID, owner)
	if err == nil {
		err = checkChunkTarget(sess, index)
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	limit := m.chunkLimit(sess)
	if sess.HasChunk(index) {
		m.mu.Unlock()
		io.Copy(io.Discard, io.LimitReader(body, limit+1))
		return receipt(sess), nil
	}
	want, fixed := sess.ExpectedChunkSize(index)
	m.mu.Unlock()

	var n int64
	if fixed {
		limit = want
		n, err = m.chunks.SaveChunkExact(sessionID, index, body, want)
	} else {
		n, err = m.chunks.SaveChunk(sessionID, index, body, limit)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrChunkTooLarge):
			return nil, fmt.Errorf("%w: chunk %d is limited to %d bytes", ErrChunkTooLarge, index, limit)
		case errors.Is(err, storage.ErrChunkShort):
			return nil, invalid("chunk %d must be %d bytes", index, want)
		}
		return nil, fmt.Errorf("storing chunk %d: %w", index, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// reload: another request may have recorded this index or finalized meanwhile
	sess, err = m.load(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		return nil, ErrSessionClosed
	}
	if !sess.AddChunk(index) {
		return receipt(sess), nil
	}
	if sess.ReceivedBytes+n > sess.TotalSize {
		return nil, fmt.Errorf("%w: chunks exceed declared total size", ErrChunkTooLarge)
	}
	sess.ReceivedBytes += n
	sess.UpdatedAt = m.opts.Now()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("recording chunk %d: %w", index, err)
	}

	m.log.Debug("chunk stored", "session", sessionID, "index", index, "bytes", n,
		"received", len(sess.ReceivedChunks), "total", sess.TotalChunks)
	return receipt(sess), nil
}

// chunkLimit is the largest body accepted for any chunk of the session.
func (m *Manager) chunkLimit(sess *models.UploadSession) int64 {
	if sess.ChunkSize > 0 {
		return sess.ChunkSize
	}
	return m.opts.MaxChunkSize
}

func checkChunkTarget(sess *models.UploadSession, index int) error {
	if sess.Status != models.SessionStatusActive {
		return ErrSessionClosed
	}
	if index < 0 || index >= sess.TotalChunks {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, sess.TotalChunks)
	}
	return nil
}

func receipt(sess *models.UploadSession) *ChunkReceipt {
	return &ChunkReceipt{
		Received: len(sess.ReceivedChunks),
		Total:    sess.TotalChunks,
		Complete: sess.Complete(),
	}
}

// Status returns a snapshot of the session for resume.
func (m *Manager) Status(ctx context.Context, sessionID, owner string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, sessionID, owner)
}

// Finalize reassembles the chunks in index order and returns the path of the
// archive. The caller owns the file from then on.
func (m *Manager) Finalize(ctx context.Context, sessionID, owner string) (string, error) {
	m.mu.Lock()
	sess, err := m.load(ctx, sessionID, owner)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if sess.Status != models.SessionStatusActive {
		m.mu.Unlock()
		return "", ErrSessionClosed
	}
	if missing := sess.MissingChunks(); len(missing) > 0 {
		m.mu.Unlock()
		return "", &IncompleteUploadError{Missing: missing}
	}
	ok, err := m.sessions.TransitionStatus(ctx, sessionID, models.SessionStatusActive, models.SessionStatusFinalizing, m.opts.Now())
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("starting finalize: %w", err)
	}
	if !ok {
		return "", ErrSessionClosed
	}

	m.log.Info("finalizing upload", "session", sessionID, "chunks", sess.TotalChunks)

	dst := filepath.Join(m.opts.AssemblyDir, sessionID+"_"+filepath.Base(sess.FileName))
	written, err := m.chunks.Assemble(sessionID, sess.TotalChunks, dst)
	if err == nil && written != sess.TotalSize {
		os.Remove(dst)
		err = fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, written, sess.TotalSize)
	}
	if errors.Is(err, ErrSizeMismatch) {
		// some chunk had the wrong length and there is no telling which, so
		// the received set is discarded and the client uploads it again
		m.reset(ctx, sessionID)
		m.log.Warn("finalize size mismatch, chunks discarded", "session", sessionID, "error", err)
		return "", err
	}
	if err != nil {
		m.revert(ctx, sessionID)
		m.log.Error("finalize failed", "session", sessionID, "error", err)
		return "", err
	}

	if err := m.chunks.DeleteChunks(sessionID); err != nil {
		m.log.Warn("failed to release chunks", "session", sessionID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessions.TransitionStatus(ctx, sessionID, models.SessionStatusFinalizing, models.SessionStatusComplete, m.opts.Now()); err != nil {
		m.log.Warn("failed to mark session complete", "session", sessionID, "error", err)
	}

	m.log.Info("upload reassembled", "session", sessionID, "path", dst, "bytes", written)
	return dst, nil
}

// revert puts a session back to active after a failed finalize so the client can retry.
func (m *Manager) revert(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessions.TransitionStatus(ctx, sessionID, models.SessionStatusFinalizing, models.SessionStatusActive, m.opts.Now()); err != nil {
		m.log.Error("failed to reopen session", "session", sessionID, "error", err)
	}
}

// reset reopens a finalizing session with no chunks received.
func (m *Manager) reset(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.chunks.DeleteChunks(sessionID); err != nil {
		m.log.Error("failed to discard chunks", "session", sessionID, "error", err)
	}
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		m.log.Error("failed to reload session", "session", sessionID, "error", err)
		return
	}
	sess.ReceivedChunks = []int{}
	sess.ReceivedBytes = 0
	sess.Status = models.SessionStatusActive
	sess.UpdatedAt = m.opts.Now()
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.log.Error("failed to reopen session", "session", sessionID, "error", err)
	}
}

// Attach records the archive job created from a finalized session.
func (m *Manager) Attach(ctx context.Context, sessionID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	sess.JobID = jobID
	sess.UpdatedAt = m.opts.Now()
	return m.sessions.Save(ctx, sess)
}

// ExpireSessions deletes sessions older than ttl, whatever their state, along
// with their chunk data. Returns the number removed.
func (m *Manager) ExpireSessions(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = m.opts.SessionTTL
	}
	stale, err := m.sessions.ListCreatedBefore(ctx, m.opts.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, sess := range stale {
		if err := m.chunks.DeleteChunks(sess.ID); err != nil {
			m.log.Warn("failed to delete chunks of expired session", "session", sess.ID, "error", err)
			continue
		}
		if err := m.sessions.Delete(ctx, sess.ID); err != nil {
			m.log.Warn("failed to delete expired session", "session", sess.ID, "error", err)
			continue
		}
		removed++
		m.log.Info("expired upload session", "session", sess.ID, "status", sess.Status)
	}
	return removed, nil
}

// SessionExists reports whether a session row exists, whatever its state.
func (m *Manager) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	_, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
