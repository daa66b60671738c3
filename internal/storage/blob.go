// Package storage holds on-disk upload chunks and the blob stores documents
// are written to.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore is the durable object store for accepted documents.
type BlobStore interface {
	// Put stores r under key and returns a URL the extraction service can fetch.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	// URL returns a fetchable URL for an existing key.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// NewBlobKey returns a unique key for a document: <prefix>/<uuid>/<base name>.
func NewBlobKey(prefix, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	key := uuid.New().String() + "/" + name
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// LocalBlobStore implements BlobStore on the local filesystem and hands out
// file:// URLs.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates a LocalBlobStore rooted at dir.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &LocalBlobStore{root: abs}, nil
}

func (s *LocalBlobStore) pathFor(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes the blob through a temp file so readers never see partial content.
func (s *LocalBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("creating blob file: %w", err)
	}
	_, err = io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("committing blob: %w", err)
	}

	return fileURL(p), nil
}

// URL returns the file:// URL of an existing blob.
func (s *LocalBlobStore) URL(ctx context.Context, key string) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("blob %s: %w", key, err)
	}
	return fileURL(p), nil
}

// Delete removes a blob.
func (s *LocalBlobStore) Delete(ctx context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting blob: %w", err)
	}
	return true, nil
}

func fileURL(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}
