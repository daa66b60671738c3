package ingest

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ErrUnsupportedArchive is returned when the file is not a zip, tar.gz or tar.zst.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

type archiveFormat int

const (
	formatZip archiveFormat = iota + 1
	formatTarGzip
	formatTarZstd
)

func (f archiveFormat) String() string {
	switch f {
	case formatZip:
		return "zip"
	case formatTarGzip:
		return "tar.gz"
	case formatTarZstd:
		return "tar.zst"
	}
	return "unknown"
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
	zstdMagic     = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// detectFormat sniffs the leading magic bytes of the archive.
func detectFormat(path string) (archiveFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: empty file", ErrUnsupportedArchive)
		}
		return 0, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return formatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return formatTarGzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		return formatTarZstd, nil
	}
	return 0, ErrUnsupportedArchive
}

// archiveEntry is one file inside an archive. Size is -1 when unknown.
type archiveEntry struct {
	Name string
	Size int64
	Body io.Reader
}

// archive enumerates the accepted entries of an archive file.
type archive interface {
	// Count returns how many entries pass the filter.
	Count(filter *Filter) (int, error)
	// Walk calls fn for each accepted entry in archive order. An error from
	// fn stops the walk; a returned error is an archive-level failure.
	Walk(filter *Filter, fn func(e archiveEntry) error) error
	Close() error
}

func openArchive(path string) (archive, archiveFormat, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, 0, err
	}

	switch format {
	case formatZip:
		r, err := zip.OpenReader(path)
		if err != nil {
			return nil, format, fmt.Errorf("reading zip directory: %w", err)
		}
		return &zipArchive{r: r}, format, nil
	default:
		return &tarArchive{path: path, format: format}, format, nil
	}
}

// zipArchive reads entries through the central directory.
type zipArchive struct {
	r *zip.ReadCloser
}

func (z *zipArchive) Count(filter *Filter) (int, error) {
	n := 0
	for _, f := range z.r.File {
		if !f.FileInfo().IsDir() && filter.Accept(f.Name) {
			n++
		}
	}
	return n, nil
}

func (z *zipArchive) Walk(filter *Filter, fn func(e archiveEntry) error) error {
	for _, f := range z.r.File {
		if f.FileInfo().IsDir() || !filter.Accept(f.Name) {
			continue
		}
		if err := z.visit(f, fn); err != nil {
			return err
		}
	}
	return nil
}

func (z *zipArchive) visit(f *zip.File, fn func(e archiveEntry) error) error {
	rc, err := f.Open()
	if err != nil {
		// a single unreadable entry is reported through fn like any other entry error
		return fn(archiveEntry{Name: f.Name, Size: int64(f.UncompressedSize64), Body: errReader{err}})
	}
	defer rc.Close()
	return fn(archiveEntry{Name: f.Name, Size: int64(f.UncompressedSize64), Body: rc})
}

func (z *zipArchive) Close() error {
	return z.r.Close()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// tarArchive streams a compressed tar. Counting needs its own pass over the
// headers because tar has no central directory.
type tarArchive struct {
	path   string
	format archiveFormat
}

func (t *tarArchive) open() (*tar.Reader, func(), error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, nil, err
	}

	switch t.format {
	case formatTarGzip:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return tar.NewReader(gz), func() { gz.Close(); f.Close() }, nil
	case formatTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return tar.NewReader(zr), func() { zr.Close(); f.Close() }, nil
	}
	f.Close()
	return nil, nil, ErrUnsupportedArchive
}

func (t *tarArchive) Count(filter *Filter) (int, error) {
	tr, closeFn, err := t.open()
	if err != nil {
		return 0, err
	}
	defer closeFn()

	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading tar header: %w", err)
		}
		if hdr.FileInfo().Mode().IsRegular() && filter.Accept(hdr.Name) {
			n++
		}
	}
}

func (t *tarArchive) Walk(filter *Filter, fn func(e archiveEntry) error) error {
	tr, closeFn, err := t.open()
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}
		if !hdr.FileInfo().Mode().IsRegular() || !filter.Accept(hdr.Name) {
			continue
		}
		if err := fn(archiveEntry{Name: hdr.Name, Size: hdr.Size, Body: tr}); err != nil {
			return err
		}
	}
}

func (t *tarArchive) Close() error {
	return nil
}
