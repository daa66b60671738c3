package upload

import (
	"errors"
	"fmt"

	"github.com/virology-dashboard/backend/internal/storage"
)

var (
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrForbidden           = errors.New("upload session belongs to another owner")
	ErrIndexOutOfRange     = errors.New("chunk index out of range")
	ErrSizeLimitExceeded   = errors.New("declared size exceeds upload limit")
	ErrChunkTooLarge       = storage.ErrChunkTooLarge
	ErrSessionClosed       = errors.New("upload session is not accepting changes")
	ErrInsufficientStorage = errors.New("insufficient temporary storage")
	ErrInvalidRequest      = errors.New("invalid upload request")
	ErrSizeMismatch        = errors.New("assembled size does not match declared size")
)

// IncompleteUploadError is returned by Finalize while chunks are missing.
type IncompleteUploadError struct {
	Missing []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunk(s) missing", len(e.Missing))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
