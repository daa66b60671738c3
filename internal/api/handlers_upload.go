// handlers_upload.go - Chunked and single-shot archive upload handlers
package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/auth"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/upload"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	uploads           UploadService
	ingest            IngestService
	assemblyDir       string
	archiveExtensions []string
	maxUploadSize     int64
	logger            *slog.Logger
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(uploads UploadService, ingest IngestService, assemblyDir string, archiveExtensions []string, maxUploadSize int64, logger *slog.Logger) UploadHandler {
	return &UploadHandlerImpl{
		uploads:           uploads,
		ingest:            ingest,
		assemblyDir:       assemblyDir,
		archiveExtensions: archiveExtensions,
		maxUploadSize:     maxUploadSize,
		logger:            logger,
	}
}

// HandleInitUpload declares a new chunked upload
func (h *UploadHandlerImpl) HandleInitUpload(c echo.Context) error {
	var req initUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.FileName == "" {
		return NewValidationError("fileName")
	}

	sess, err := h.uploads.Init(c.Request().Context(), upload.InitRequest{
		OwnerID:     auth.Owner(c),
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		ChunkSize:   req.ChunkSize,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

// HandlePutChunk stores one chunk sent as the raw request body
func (h *UploadHandlerImpl) HandlePutChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return NewValidationError("index")
	}

	receipt, err := h.uploads.PutChunk(c.Request().Context(), c.Param("sessionId"), auth.Owner(c), index, c.Request().Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, receipt)
}

// HandleUploadStatus reports received and missing chunks so a client can resume
func (h *UploadHandlerImpl) HandleUploadStatus(c echo.Context) error {
	sess, err := h.uploads.Status(c.Request().Context(), c.Param("sessionId"), auth.Owner(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

// HandleFinalizeUpload reassembles the archive and starts processing it
func (h *UploadHandlerImpl) HandleFinalizeUpload(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("sessionId")
	owner := auth.Owner(c)

	sess, err := h.uploads.Status(ctx, sessionID, owner)
	if err != nil {
		return err
	}

	path, err := h.uploads.Finalize(ctx, sessionID, owner)
	if err != nil {
		return err
	}

	job, err := h.ingest.StartArchiveJob(ctx, owner, sess.FileName, path)
	if err != nil {
		return fmt.Errorf("starting archive job: %w", err)
	}
	if err := h.uploads.Attach(ctx, sessionID, job.ID); err != nil {
		h.logger.Warn("failed to attach job to session", "session", sessionID, "job", job.ID, "error", err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleUploadArchive accepts a whole archive as multipart/form-data field
// "file". The part is streamed to disk, never buffered in memory.
func (h *UploadHandlerImpl) HandleUploadArchive(c echo.Context) error {
	reader, err := c.Request().MultipartReader()
	if err != nil {
		return NewBadRequestError("expected multipart/form-data", err)
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return NewValidationError("file")
		}
		if err != nil {
			return NewBadRequestError("malformed multipart body", err)
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		name := filepath.Base(part.FileName())
		if !upload.IsArchiveName(name, h.archiveExtensions) {
			part.Close()
			return fmt.Errorf("%w: %q is not an accepted archive type", upload.ErrInvalidRequest, name)
		}

		path, err := h.spool(name, part)
		part.Close()
		if err != nil {
			return err
		}

		owner := auth.Owner(c)
		job, err := h.ingest.StartArchiveJob(c.Request().Context(), owner, name, path)
		if err != nil {
			return fmt.Errorf("starting archive job: %w", err)
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"jobId":  job.ID,
			"status": job.Status,
		})
	}
}

// spool copies r into the assembly directory, enforcing the upload limit.
func (h *UploadHandlerImpl) spool(name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(h.assemblyDir, 0755); err != nil {
		return "", fmt.Errorf("creating assembly dir: %w", err)
	}
	path := filepath.Join(h.assemblyDir, uuid.New().String()+"_"+name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, h.maxUploadSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > h.maxUploadSize {
		err = fmt.Errorf("%w: more than %d bytes", upload.ErrSizeLimitExceeded, h.maxUploadSize)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	h.logger.Info("archive received", "file", name, "bytes", n)
	return path, nil
}

// Request/Response types

type initUploadRequest struct {
	FileName    string `json:"fileName"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type sessionResponse struct {
	SessionID      string               `json:"sessionId"`
	FileName       string               `json:"fileName"`
	TotalSize      int64                `json:"totalSize"`
	ChunkSize      int64                `json:"chunkSize"`
	TotalChunks    int                  `json:"totalChunks"`
	ReceivedChunks []int                `json:"receivedChunks"`
	MissingChunks  []int                `json:"missingChunks"`
	ReceivedBytes  int64                `json:"receivedBytes"`
	Status         models.SessionStatus `json:"status"`
	JobID          string               `json:"jobId,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

func newSessionResponse(s *models.UploadSession) sessionResponse {
	received := s.ReceivedChunks
	if received == nil {
		received = []int{}
	}
	return sessionResponse{
		SessionID:      s.ID,
		FileName:       s.FileName,
		TotalSize:      s.TotalSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		ReceivedChunks: received,
		MissingChunks:  s.MissingChunks(),
		ReceivedBytes:  s.ReceivedBytes,
		Status:         s.Status,
		JobID:          s.JobID,
		CreatedAt:      s.CreatedAt,
	}
}
