// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	db      Pinger
	docs    DocumentSource
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, db Pinger, docs DocumentSource) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		db:      db,
		docs:    docs,
	}
}

// HandleHealth returns server health and queue depth. An unreachable
// database answers 503.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.db.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "degraded",
			"version":  h.version,
			"database": err.Error(),
		})
	}

	resp := map[string]interface{}{
		"status":   "ok",
		"version":  h.version,
		"database": "ok",
	}
	if counts, err := h.docs.CountByStatus(ctx); err == nil {
		resp["queue"] = counts
	}
	return c.JSON(http.StatusOK, resp)
}
