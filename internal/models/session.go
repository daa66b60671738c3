// Package models contains domain types for the ingestion pipeline.
package models

import (
	"sort"
	"time"
)

// SessionStatus represents the lifecycle state of a chunked upload session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusFinalizing SessionStatus = "finalizing"
	SessionStatusComplete   SessionStatus = "complete"
	SessionStatusExpired    SessionStatus = "expired"
)

// UploadSession represents one chunked upload in progress.
type UploadSession struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"ownerId"`
	FileName       string        `json:"fileName"`
	TotalSize      int64         `json:"totalSize"`
	ChunkSize      int64         `json:"chunkSize"` // 0 for a client-chosen partition
	TotalChunks    int           `json:"totalChunks"`
	ReceivedChunks []int         `json:"receivedChunks"` // sorted, unique
	ReceivedBytes  int64         `json:"receivedBytes"`
	Status         SessionStatus `json:"status"`
	JobID          string        `json:"jobId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// HasChunk reports whether the chunk index has been received.
func (s *UploadSession) HasChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	return i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index
}

// AddChunk records a received chunk index. Returns false if it was already present.
func (s *UploadSession) AddChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	if i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index {
		return false
	}
	s.ReceivedChunks = append(s.ReceivedChunks, 0)
	copy(s.ReceivedChunks[i+1:], s.ReceivedChunks[i:])
	s.ReceivedChunks[i] = index
	return true
}

// MissingChunks returns the indices in [0, TotalChunks) not yet received.
func (s *UploadSession) MissingChunks() []int {
	missing := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if !s.HasChunk(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every chunk has been received.
func (s *UploadSession) Complete() bool {
	return len(s.ReceivedChunks) == s.TotalChunks
}

// ExpectedChunkSize returns the exact byte size of chunk index. Every chunk
// but the last is ChunkSize long. Sessions with a client-chosen partition
// have ChunkSize 0 and report false.
func (s *UploadSession) ExpectedChunkSize(index int) (int64, bool) {
	if s.ChunkSize <= 0 || index < 0 || index >= s.TotalChunks {
		return 0, false
	}
	if index < s.TotalChunks-1 {
		return s.ChunkSize, true
	}
	return s.TotalSize - s.ChunkSize*int64(s.TotalChunks-1), true
}
