// mock_storage.go - In-memory blob store for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/virology-dashboard/backend/internal/storage"
)

// MockBlobStore implements storage.BlobStore in memory.
type MockBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	puts    int

	// FailPut makes Put fail for keys containing the substring.
	FailPut string
	// Block, when set, holds every Put until the channel is closed.
	Block chan struct{}
}

// NewMockBlobStore creates an empty mock blob store.
func NewMockBlobStore() *MockBlobStore {
	return &MockBlobStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MockBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if m.FailPut != "" && strings.Contains(key, m.FailPut) {
		return "", errors.New("mock put failure")
	}
	if m.Block != nil {
		<-m.Block
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	m.puts++
	return "mem://" + key, nil
}

func (m *MockBlobStore) URL(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("blob not found: %s", key)
	}
	return "mem://" + key, nil
}

func (m *MockBlobStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return false, nil
	}
	delete(m.objects, key)
	delete(m.types, key)
	return true, nil
}

// Ensure MockBlobStore implements storage.BlobStore
var _ storage.BlobStore = (*MockBlobStore)(nil)

// Test Helper Methods

// Object returns a stored blob
func (m *MockBlobStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// ContentType returns the content type a blob was stored with
func (m *MockBlobStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

// Count returns the number of stored blobs
func (m *MockBlobStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// PutCount returns how many successful puts happened
func (m *MockBlobStore) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
