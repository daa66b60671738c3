// handlers_jobs.go - Archive job progress handlers
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/virology-dashboard/backend/internal/auth"
	"github.com/virology-dashboard/backend/internal/models"
)

// MIMEApplicationMsgpack is served when the client asks for it in Accept.
const MIMEApplicationMsgpack = "application/msgpack"

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	jobs JobSource
	docs DocumentSource
	ws   *JobStreamer
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobSource, docs DocumentSource, ws *JobStreamer) JobHandler {
	return &JobHandlerImpl{jobs: jobs, docs: docs, ws: ws}
}

// HandleGetJob returns a progress snapshot with the ids of the documents the
// job has created so far
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	job, err := h.ownedJob(c)
	if err != nil {
		return err
	}
	ids, err := h.docs.ListIDsByJob(c.Request().Context(), job.ID)
	if err != nil {
		return err
	}
	view := jobDetail{jobView: newJobView(job), DocumentIDs: ids}
	if view.DocumentIDs == nil {
		view.DocumentIDs = []string{}
	}

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), MIMEApplicationMsgpack) {
		data, err := msgpack.Marshal(view)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, MIMEApplicationMsgpack, data)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleJobStream pushes progress over a websocket
func (h *JobHandlerImpl) HandleJobStream(c echo.Context) error {
	job, err := h.ownedJob(c)
	if err != nil {
		return err
	}
	return h.ws.Stream(c, job.ID)
}

// ownedJob loads the job named in the path; other owners' jobs are not found.
func (h *JobHandlerImpl) ownedJob(c echo.Context) (*models.ArchiveJob, error) {
	id := c.Param("jobId")
	job, err := h.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != auth.Owner(c) {
		return nil, NewNotFoundError("job", id)
	}
	return job, nil
}

// jobDetail is the single-job response. Streamed progress frames carry only
// the jobView part.
type jobDetail struct {
	jobView
	DocumentIDs []string `json:"documentIds" msgpack:"documentIds"`
}

// jobView is the wire form of a job with its derived progress.
type jobView struct {
	JobID            string           `json:"jobId" msgpack:"jobId"`
	FileName         string           `json:"fileName" msgpack:"fileName"`
	Status           models.JobStatus `json:"status" msgpack:"status"`
	Progress         float64          `json:"progress" msgpack:"progress"`
	TotalEntries     int              `json:"totalEntries" msgpack:"totalEntries"`
	ProcessedEntries int              `json:"processedEntries" msgpack:"processedEntries"`
	UploadedCount    int              `json:"uploadedCount" msgpack:"uploadedCount"`
	DuplicateCount   int              `json:"duplicateCount" msgpack:"duplicateCount"`
	FailedCount      int              `json:"failedCount" msgpack:"failedCount"`
	Errors           []string         `json:"errors" msgpack:"errors"`
	ErrorsOmitted    int              `json:"errorsOmitted" msgpack:"errorsOmitted"`
	StartedAt        int64            `json:"startedAt" msgpack:"startedAt"`
	CompletedAt      int64            `json:"completedAt,omitempty" msgpack:"completedAt,omitempty"`
}

func newJobView(j *models.ArchiveJob) jobView {
	v := jobView{
		JobID:            j.ID,
		FileName:         j.FileName,
		Status:           j.Status,
		Progress:         j.Progress(),
		TotalEntries:     j.TotalEntries,
		ProcessedEntries: j.ProcessedEntries,
		UploadedCount:    j.UploadedCount,
		DuplicateCount:   j.DuplicateCount,
		FailedCount:      j.FailedCount,
		Errors:           j.Errors,
		ErrorsOmitted:    j.ErrorsOmitted,
		StartedAt:        j.StartedAt.UnixMilli(),
	}
	if v.Errors == nil {
		v.Errors = []string{}
	}
	if j.CompletedAt != nil {
		v.CompletedAt = j.CompletedAt.UnixMilli()
	}
	return v
}
