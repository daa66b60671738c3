package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virology-dashboard/backend/internal/logging"
)

// fakeS3 is a minimal path-style S3 endpoint keeping objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) get(path string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[path]
	return b, f.types[path], ok
}

func newTestS3Store(t *testing.T) (*S3BlobStore, *fakeS3, string) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewS3Client(context.Background(), S3Options{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return NewS3BlobStore(client, "docs", 15*time.Minute, logging.Discard()), fake, srv.URL
}

func TestS3BlobStore_PutAndPresign(t *testing.T) {
	store, fake, endpoint := newTestS3Store(t)
	ctx := context.Background()

	u, err := store.Put(ctx, "documents/id/a.pdf", strings.NewReader("%PDF"), 4, "application/pdf")
	require.NoError(t, err)

	body, contentType, ok := fake.get("/docs/documents/id/a.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF"), body)
	assert.Equal(t, "application/pdf", contentType)
	assert.True(t, strings.HasPrefix(u, endpoint+"/docs/documents/id/a.pdf?"), u)
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=900")
}

func TestS3BlobStore_Delete(t *testing.T) {
	store, fake, _ := newTestS3Store(t)
	ctx := context.Background()

	fake.mu.Lock()
	fake.objects["/docs/k/present.png"] = []byte("x")
	fake.mu.Unlock()

	existed, err := store.Delete(ctx, "k/present.png")
	require.NoError(t, err)
	assert.True(t, existed)
	_, _, ok := fake.get("/docs/k/present.png")
	assert.False(t, ok)

	existed, err = store.Delete(ctx, "k/missing.png")
	require.NoError(t, err)
	assert.False(t, existed)
}
