// handlers_documents.go - Single document ingestion handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/auth"
)

// DocumentHandlerImpl implements the DocumentHandler interface
type DocumentHandlerImpl struct {
	ingest IngestService
	docs   DocumentSource
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(ingest IngestService, docs DocumentSource) DocumentHandler {
	return &DocumentHandlerImpl{ingest: ingest, docs: docs}
}

// HandleUploadDocument accepts one document as multipart/form-data field "file".
// New documents answer 201, duplicates 200.
func (h *DocumentHandlerImpl) HandleUploadDocument(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	res, err := h.ingest.IngestDirect(c.Request().Context(), auth.Owner(c), file.Filename, src)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// HandleGetDocument returns one of the caller's documents
func (h *DocumentHandlerImpl) HandleGetDocument(c echo.Context) error {
	id := c.Param("id")
	doc, err := h.docs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if doc.OwnerID != auth.Owner(c) {
		return NewNotFoundError("document", id)
	}
	return c.JSON(http.StatusOK, doc)
}
