// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/ingest"
	"github.com/virology-dashboard/backend/internal/jobs"
	"github.com/virology-dashboard/backend/internal/upload"
	"github.com/virology-dashboard/backend/internal/worker"
)

// APIError represents a structured API error response
type APIError struct {
	Status        int    `json:"-"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	MissingChunks []int  `json:"missingChunks,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// errorMapping pairs a domain sentinel with its HTTP shape.
type errorMapping struct {
	target error
	status int
	code   string
}

var domainErrors = []errorMapping{
	{upload.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{upload.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{upload.ErrIndexOutOfRange, http.StatusBadRequest, "INDEX_OUT_OF_RANGE"},
	{upload.ErrSizeLimitExceeded, http.StatusRequestEntityTooLarge, "SIZE_LIMIT_EXCEEDED"},
	{upload.ErrChunkTooLarge, http.StatusRequestEntityTooLarge, "CHUNK_TOO_LARGE"},
	{upload.ErrSessionClosed, http.StatusConflict, "SESSION_CLOSED"},
	{upload.ErrSizeMismatch, http.StatusConflict, "SIZE_MISMATCH"},
	{upload.ErrInsufficientStorage, http.StatusInsufficientStorage, "INSUFFICIENT_STORAGE"},
	{upload.ErrInvalidRequest, http.StatusBadRequest, "BAD_REQUEST"},
	{ingest.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE"},
	{ingest.ErrEntryTooLarge, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE"},
	{worker.ErrBusy, http.StatusServiceUnavailable, "BUSY"},
	{worker.ErrNotCancellable, http.StatusConflict, "NOT_CANCELLABLE"},
	{worker.ErrDocumentNotFound, http.StatusNotFound, "NOT_FOUND"},
	{jobs.ErrJobNotFound, http.StatusNotFound, "NOT_FOUND"},
	{database.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
}

// toAPIError converts any handler error into the response shape.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var incomplete *upload.IncompleteUploadError
	if errors.As(err, &incomplete) {
		return &APIError{
			Status:        http.StatusConflict,
			Code:          "INCOMPLETE_UPLOAD",
			Message:       err.Error(),
			MissingChunks: incomplete.Missing,
		}
	}

	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return &APIError{Status: m.status, Code: m.code, Message: err.Error()}
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "HTTP_ERROR"
		switch he.Code {
		case http.StatusUnauthorized:
			code = "UNAUTHORIZED"
		case http.StatusRequestEntityTooLarge:
			code = "PAYLOAD_TOO_LARGE"
		case http.StatusNotFound:
			code = "NOT_FOUND"
		}
		return &APIError{Status: he.Code, Code: code, Message: fmt.Sprintf("%v", he.Message)}
	}

	return &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred",
	}
}

// NewErrorHandler returns the echo HTTPErrorHandler. Server-side failures
// are logged with their cause; clients only see the structured error.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		apiErr := toAPIError(err)
		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(),
				"status", apiErr.Status, "error", err)
		}
		if c.Request().Method == http.MethodHead {
			c.NoContent(apiErr.Status)
			return
		}
		c.JSON(apiErr.Status, apiErr)
	}
}
