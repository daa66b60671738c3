package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Accept(t *testing.T) {
	f := NewFilter([]string{".pdf", "png", ".JPG"})

	tests := []struct {
		name string
		want bool
	}{
		{"report.pdf", true},
		{"dir/sub/scan.PNG", true},
		{"photo.jpg", true},
		{`windows\path\scan.pdf`, true},
		{"folder/", false},
		{"notes.txt", false},
		{"noext", false},
		{".DS_Store", false},
		{"dir/Thumbs.db", false},
		{"__MACOSX/dir/._scan.pdf", false},
		{"dir/.secret.pdf", false},
		{".git/objects/x.pdf", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Accept(tt.name))
		})
	}
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "application/pdf", MimeType("a.PDF"))
	assert.Equal(t, "image/jpeg", MimeType("dir/a.jpeg"))
	assert.Equal(t, "image/heic", MimeType("a.heic"))
	assert.Equal(t, "application/octet-stream", MimeType("a.unknownext"))
}
