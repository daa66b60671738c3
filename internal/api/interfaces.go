// interfaces.go - Handler and service interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/ingest"
	"github.com/virology-dashboard/backend/internal/janitor"
	"github.com/virology-dashboard/backend/internal/models"
	"github.com/virology-dashboard/backend/internal/upload"
	"github.com/virology-dashboard/backend/internal/worker"
)

// UploadHandler handles chunked and single-shot archive uploads
type UploadHandler interface {
	HandleInitUpload(c echo.Context) error
	HandlePutChunk(c echo.Context) error
	HandleUploadStatus(c echo.Context) error
	HandleFinalizeUpload(c echo.Context) error
	HandleUploadArchive(c echo.Context) error
}

// DocumentHandler handles single-document ingestion and lookup
type DocumentHandler interface {
	HandleUploadDocument(c echo.Context) error
	HandleGetDocument(c echo.Context) error
}

// JobHandler serves archive job progress
type JobHandler interface {
	HandleGetJob(c echo.Context) error
	HandleJobStream(c echo.Context) error
}

// AdminHandler exposes queue and cleanup operations
type AdminHandler interface {
	HandleListDocuments(c echo.Context) error
	HandleCancelDocument(c echo.Context) error
	HandleRetryFailed(c echo.Context) error
	HandleReclaim(c echo.Context) error
	HandleDrainQueue(c echo.Context) error
	HandleSweep(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// UploadService is the chunked upload protocol.
type UploadService interface {
	Init(ctx context.Context, req upload.InitRequest) (*models.UploadSession, error)
	PutChunk(ctx context.Context, sessionID, owner string, index int, body io.Reader) (*upload.ChunkReceipt, error)
	Status(ctx context.Context, sessionID, owner string) (*models.UploadSession, error)
	Finalize(ctx context.Context, sessionID, owner string) (string, error)
	Attach(ctx context.Context, sessionID, jobID string) error
}

// IngestService turns archives and documents into queued work.
type IngestService interface {
	StartArchiveJob(ctx context.Context, owner, fileName, archivePath string) (*models.ArchiveJob, error)
	IngestDirect(ctx context.Context, owner, fileName string, r io.Reader) (*ingest.AdmitResult, error)
}

// JobSource answers job progress queries.
type JobSource interface {
	Get(ctx context.Context, id string) (*models.ArchiveJob, error)
	Subscribe(id string) (<-chan *models.ArchiveJob, func())
}

// DocumentSource reads the document queue.
type DocumentSource interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, status models.DocumentStatus, limit int) ([]*models.Document, error)
	ListIDsByJob(ctx context.Context, jobID string) ([]string, error)
	CountByStatus(ctx context.Context) (map[models.DocumentStatus]int, error)
}

// QueueController drives the processing worker on demand.
type QueueController interface {
	DrainNow(ctx context.Context) (*worker.DrainSummary, error)
	RetryFailed(ctx context.Context) (int, error)
	Reclaim(ctx context.Context) (int, error)
	Cancel(ctx context.Context, id string) error
}

// Sweeper runs a janitor pass.
type Sweeper interface {
	Sweep(ctx context.Context) (*janitor.Report, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
