// handlers_admin.go - Queue and cleanup operations
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/models"
)

const defaultListLimit = 100

// AdminHandlerImpl implements the AdminHandler interface
type AdminHandlerImpl struct {
	docs    DocumentSource
	queue   QueueController
	janitor Sweeper
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(docs DocumentSource, queue QueueController, janitor Sweeper) AdminHandler {
	return &AdminHandlerImpl{docs: docs, queue: queue, janitor: janitor}
}

// HandleListDocuments lists queued documents, optionally filtered by ?status=
func (h *AdminHandlerImpl) HandleListDocuments(c echo.Context) error {
	status := models.DocumentStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return NewValidationError("status")
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return NewValidationError("limit")
		}
		limit = n
	}

	docs, err := h.docs.List(c.Request().Context(), status, limit)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	counts, err := h.docs.CountByStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"documents": docs,
		"counts":    counts,
	})
}

// HandleCancelDocument discards a pending or processing document
func (h *AdminHandlerImpl) HandleCancelDocument(c echo.Context) error {
	if err := h.queue.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRetryFailed requeues every failed document
func (h *AdminHandlerImpl) HandleRetryFailed(c echo.Context) error {
	n, err := h.queue.RetryFailed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

// HandleReclaim resets documents stuck in processing
func (h *AdminHandlerImpl) HandleReclaim(c echo.Context) error {
	n, err := h.queue.Reclaim(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"reclaimed": n})
}

// HandleDrainQueue processes the queue until empty
func (h *AdminHandlerImpl) HandleDrainQueue(c echo.Context) error {
	summary, err := h.queue.DrainNow(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleSweep runs one janitor pass
func (h *AdminHandlerImpl) HandleSweep(c echo.Context) error {
	report, err := h.janitor.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
