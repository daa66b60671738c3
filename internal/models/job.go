package models

import "time"

// JobStatus represents the state of an archive job.
type JobStatus string

const (
	JobStatusExtracting JobStatus = "extracting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
)

// rank orders job states; a job may only move to a higher rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusExtracting:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusComplete, JobStatusError:
		return 2
	}
	return -1
}

// Terminal reports whether the state is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// CanTransition reports whether moving from s to next keeps the state moving forward.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	return next.rank() > s.rank()
}

// MaxJobErrors bounds the error messages kept on a job. Further errors are
// only counted in ErrorsOmitted.
const MaxJobErrors = 100

// ArchiveJob represents one "extract all valid entries from an archive" run.
type ArchiveJob struct {
	ID               string     `json:"id" msgpack:"id"`
	OwnerID          string     `json:"ownerId" msgpack:"ownerId"`
	FileName         string     `json:"fileName" msgpack:"fileName"`
	Status           JobStatus  `json:"status" msgpack:"status"`
	TotalEntries     int        `json:"totalEntries" msgpack:"totalEntries"`
	ProcessedEntries int        `json:"processedEntries" msgpack:"processedEntries"`
	UploadedCount    int        `json:"uploadedCount" msgpack:"uploadedCount"`
	DuplicateCount   int        `json:"duplicateCount" msgpack:"duplicateCount"`
	FailedCount      int        `json:"failedCount" msgpack:"failedCount"`
	Errors           []string   `json:"errors" msgpack:"errors"`
	ErrorsOmitted    int        `json:"errorsOmitted" msgpack:"errorsOmitted"`
	StartedAt        time.Time  `json:"startedAt" msgpack:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty" msgpack:"completedAt,omitempty"`
}

// NewArchiveJob creates a job in the extracting state.
func NewArchiveJob(id, ownerID, fileName string, now time.Time) *ArchiveJob {
	return &ArchiveJob{
		ID:        id,
		OwnerID:   ownerID,
		FileName:  fileName,
		Status:    JobStatusExtracting,
		Errors:    make([]string, 0),
		StartedAt: now,
	}
}

// Progress returns the processed percentage, 0 while the total is unknown.
func (j *ArchiveJob) Progress() float64 {
	if j.TotalEntries == 0 {
		if j.Status == JobStatusComplete {
			return 100
		}
		return 0
	}
	return float64(j.ProcessedEntries) / float64(j.TotalEntries) * 100
}

// AddError records an error message, keeping at most MaxJobErrors of them.
func (j *ArchiveJob) AddError(msg string) {
	if len(j.Errors) >= MaxJobErrors {
		j.ErrorsOmitted++
		return
	}
	j.Errors = append(j.Errors, msg)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *ArchiveJob) Clone() *ArchiveJob {
	c := *j
	c.Errors = append([]string(nil), j.Errors...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
