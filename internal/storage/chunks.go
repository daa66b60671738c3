package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrChunkTooLarge is returned when a chunk body exceeds the allowed size.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")
	// ErrChunkShort is returned when a chunk body is smaller than its fixed size.
	ErrChunkShort = errors.New("chunk is shorter than expected")
	// ErrInvalidKey is returned for ids or keys that would escape the storage root.
	ErrInvalidKey = errors.New("invalid storage key")
)

const assembleBufferSize = 256 * 1024

// ChunkStore keeps upload chunks on disk under <root>/<sessionID>/chunk_<n>.
type ChunkStore struct {
	root string
}

// SessionDir describes a chunk directory found on disk.
type SessionDir struct {
	SessionID string
	ModTime   time.Time
}

// NewChunkStore creates a ChunkStore rooted at dir.
func NewChunkStore(dir string) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}
	return &ChunkStore{root: dir}, nil
}

// Root returns the directory holding all session chunk directories.
func (s *ChunkStore) Root() string {
	return s.root
}

func (s *ChunkStore) sessionDir(sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, sessionID)
	}
	return filepath.Join(s.root, sessionID), nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%d", index)
}

// SaveChunk writes one chunk. The bytes land in a temp file that is renamed
// into place, so a chunk file is either complete or absent. Bodies larger than
// maxBytes are rejected with ErrChunkTooLarge.
func (s *ChunkStore) SaveChunk(sessionID string, index int, r io.Reader, maxBytes int64) (int64, error) {
	return s.saveChunk(sessionID, index, r, 0, maxBytes)
}

// SaveChunkExact writes a chunk that must be exactly size bytes. A short body
// fails with ErrChunkShort and a long one with ErrChunkTooLarge; in both cases
// nothing is committed.
func (s *ChunkStore) SaveChunkExact(sessionID string, index int, r io.Reader, size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: chunk size %d", ErrChunkShort, size)
	}
	return s.saveChunk(sessionID, index, r, size, size)
}

func (s *ChunkStore) saveChunk(sessionID string, index int, r io.Reader, minBytes, maxBytes int64) (int64, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating chunk directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, chunkName(index)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating chunk file: %w", err)
	}
	tmpPath := tmp.Name()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing chunk: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		os.Remove(tmpPath)
		return 0, ErrChunkTooLarge
	}
	if n < minBytes {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: got %d of %d bytes", ErrChunkShort, n, minBytes)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, chunkName(index))); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("committing chunk: %w", err)
	}
	return n, nil
}

// Assemble concatenates chunks 0..totalChunks-1 in index order into dst and
// returns the number of bytes written. dst only appears once fully written.
func (s *ChunkStore) Assemble(sessionID string, totalChunks int, dst string) (int64, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("creating output directory: %w", err)
	}

	partPath := dst + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("creating final file: %w", err)
	}

	total, err := concatChunks(out, dir, totalChunks)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return 0, err
	}

	if err := os.Rename(partPath, dst); err != nil {
		os.Remove(partPath)
		return 0, fmt.Errorf("committing final file: %w", err)
	}
	return total, nil
}

func concatChunks(out *os.File, dir string, totalChunks int) (int64, error) {
	w := bufio.NewWriterSize(out, assembleBufferSize)

	var total int64
	for i := 0; i < totalChunks; i++ {
		in, err := os.Open(filepath.Join(dir, chunkName(i)))
		if err != nil {
			return 0, fmt.Errorf("opening chunk %d: %w", i, err)
		}
		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			return 0, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		total += n
	}

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flushing final file: %w", err)
	}
	return total, nil
}

// DeleteChunks removes a session's chunk directory. Missing directories are ignored.
func (s *ChunkStore) DeleteChunks(sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing chunks for %s: %w", sessionID, err)
	}
	return nil
}

// ListSessionDirs returns every chunk directory on disk.
func (s *ChunkStore) ListSessionDirs() ([]SessionDir, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading chunk root: %w", err)
	}

	var out []SessionDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SessionDir{SessionID: e.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}
