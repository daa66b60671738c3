package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusExtracting, JobStatusProcessing, true},
		{JobStatusExtracting, JobStatusError, true},
		{JobStatusProcessing, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusComplete, true},
		{JobStatusProcessing, JobStatusExtracting, false},
		{JobStatusComplete, JobStatusError, false},
		{JobStatusComplete, JobStatusComplete, false},
		{JobStatusError, JobStatusProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestArchiveJob_Progress(t *testing.T) {
	job := NewArchiveJob("j", "o", "a.zip", time.Now())
	assert.Zero(t, job.Progress())

	job.TotalEntries, job.ProcessedEntries = 8, 2
	assert.Equal(t, float64(25), job.Progress())

	empty := NewArchiveJob("k", "o", "b.zip", time.Now())
	empty.Status = JobStatusComplete
	assert.Equal(t, float64(100), empty.Progress())
}

func TestArchiveJob_CloneIsDeep(t *testing.T) {
	done := time.Now()
	job := NewArchiveJob("j", "o", "a.zip", done)
	job.Errors = append(job.Errors, "first")
	job.CompletedAt = &done

	c := job.Clone()
	c.Errors[0] = "changed"
	c.AddError("second")
	*c.CompletedAt = done.Add(time.Hour)

	assert.Equal(t, "first", job.Errors[0])
	assert.Len(t, job.Errors, 1)
	assert.Equal(t, done, *job.CompletedAt)
}

func TestArchiveJob_AddErrorIsBounded(t *testing.T) {
	job := NewArchiveJob("j", "o", "a.zip", time.Now())
	for i := 0; i < MaxJobErrors+25; i++ {
		job.AddError(fmt.Sprintf("entry %d failed", i))
	}
	assert.Len(t, job.Errors, MaxJobErrors)
	assert.Equal(t, 25, job.ErrorsOmitted)
	assert.Equal(t, "entry 0 failed", job.Errors[0])
	assert.Len(t, job.Clone().Errors, MaxJobErrors)
}

func TestUploadSession_ExpectedChunkSize(t *testing.T) {
	s := &UploadSession{TotalSize: 25, ChunkSize: 10, TotalChunks: 3}
	for i, want := range []int64{10, 10, 5} {
		got, ok := s.ExpectedChunkSize(i)
		assert.True(t, ok)
		assert.Equal(t, want, got, "chunk %d", i)
	}
	_, ok := s.ExpectedChunkSize(3)
	assert.False(t, ok)

	partition := &UploadSession{TotalSize: 25, TotalChunks: 4}
	_, ok = partition.ExpectedChunkSize(0)
	assert.False(t, ok)
}

func TestUploadSession_Chunks(t *testing.T) {
	s := &UploadSession{TotalChunks: 4}
	assert.Equal(t, []int{0, 1, 2, 3}, s.MissingChunks())

	assert.True(t, s.AddChunk(2))
	assert.True(t, s.AddChunk(0))
	assert.False(t, s.AddChunk(2))
	assert.Equal(t, []int{0, 2}, s.ReceivedChunks)
	assert.Equal(t, []int{1, 3}, s.MissingChunks())
	assert.False(t, s.Complete())

	s.AddChunk(3)
	s.AddChunk(1)
	assert.True(t, s.Complete())
	assert.Empty(t, s.MissingChunks())
}

func TestDocumentStatus_Valid(t *testing.T) {
	assert.True(t, DocumentStatusDiscarded.Valid())
	assert.False(t, DocumentStatus("archived").Valid())
}
