package ingest

import (
	"mime"
	"path"
	"strings"
)

// Filter decides which archive entries are documents worth ingesting.
type Filter struct {
	allowed map[string]struct{}
}

// NewFilter accepts files whose lowercase extension is in exts (".pdf" form).
func NewFilter(exts []string) *Filter {
	f := &Filter{allowed: make(map[string]struct{}, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.allowed[e] = struct{}{}
	}
	return f
}

// Accept reports whether an entry path names an ingestible file. Directory
// entries, hidden files and OS metadata are skipped.
func (f *Filter) Accept(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasSuffix(name, "/") {
		return false
	}
	if isHiddenOrSystem(name) {
		return false
	}
	_, ok := f.allowed[strings.ToLower(path.Ext(name))]
	return ok
}

var systemFiles = map[string]struct{}{
	".ds_store":   {},
	"thumbs.db":   {},
	"desktop.ini": {},
}

func isHiddenOrSystem(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." {
			continue
		}
		lower := strings.ToLower(seg)
		if lower == "__macosx" || strings.HasPrefix(seg, ".") {
			return true
		}
		if _, ok := systemFiles[lower]; ok {
			return true
		}
	}
	return false
}

var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".heic": "image/heic",
}

// MimeType infers a content type from the file extension.
func MimeType(name string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

// baseName returns the last path element of an archive entry name.
func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
