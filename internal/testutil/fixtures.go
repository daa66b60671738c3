// fixtures.go - Archive and database fixtures shared by package tests
package testutil

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/virology-dashboard/backend/internal/database"
	"github.com/virology-dashboard/backend/internal/logging"
)

// Entry is one file placed in a test archive.
type Entry struct {
	Name string
	Body []byte
	Dir  bool
}

// File builds a regular file entry.
func File(name, body string) Entry {
	return Entry{Name: name, Body: []byte(body)}
}

// NewTestDB opens a fresh SQLite database in a temp directory.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// BuildZip returns a zip archive. Entries are stored uncompressed so tests
// can find and corrupt their bytes.
func BuildZip(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.Dir {
			if _, err := zw.Create(e.Name); err != nil {
				t.Fatalf("Failed to add zip dir: %v", err)
			}
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Store})
		if err != nil {
			t.Fatalf("Failed to add zip entry: %v", err)
		}
		if _, err := w.Write(e.Body); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func buildTar(t *testing.T, entries []Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: 0644, Size: int64(len(e.Body)), Typeflag: tar.TypeReg}
		if e.Dir {
			hdr = &tar.Header{Name: e.Name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if !e.Dir {
			if _, err := tw.Write(e.Body); err != nil {
				t.Fatalf("Failed to write tar entry: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}
	return buf.Bytes()
}

// BuildTarGz returns a gzip-compressed tar archive.
func BuildTarGz(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := pgzip.NewWriter(&buf)
	if _, err := gw.Write(buildTar(t, entries)); err != nil {
		t.Fatalf("Failed to gzip tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("Failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

// BuildTarZst returns a zstd-compressed tar archive.
func BuildTarZst(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("Failed to create zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(buildTar(t, entries), nil)
}

// WriteFile writes data into dir and returns the path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}
