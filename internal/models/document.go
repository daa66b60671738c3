package models

import (
	"encoding/json"
	"time"
)

// DocumentStatus represents the processing state of a work item.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusDiscarded  DocumentStatus = "discarded"
)

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusCompleted,
		DocumentStatusFailed, DocumentStatusDiscarded:
		return true
	}
	return false
}

// Document is one unit of content accepted for extraction.
type Document struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	JobID         string          `json:"jobId,omitempty"`
	FileName      string          `json:"fileName"`
	Fingerprint   string          `json:"fingerprint"`
	StorageKey    string          `json:"storageKey"`
	MimeType      string          `json:"mimeType"`
	ByteSize      int64           `json:"byteSize"`
	Status        DocumentStatus  `json:"status"`
	ErrorText     string          `json:"error,omitempty"`
	RetryCount    int             `json:"retryCount"`
	ExtractedData json.RawMessage `json:"extractedData,omitempty"`
	RawText       string          `json:"rawText,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}
