// mock_extractor.go - Scripted extraction service for testing
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/virology-dashboard/backend/internal/extraction"
)

// ExtractCall records one call made to the extractor.
type ExtractCall struct {
	FileURL  string
	MimeType string
}

// ScriptedExtractor answers Extract with a caller-supplied function.
// The zero value returns a fixed successful result.
type ScriptedExtractor struct {
	mu    sync.Mutex
	calls []ExtractCall

	// Fn, when set, decides the outcome of each call.
	Fn func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error)
}

// NewScriptedExtractor creates an extractor driven by fn.
func NewScriptedExtractor(fn func(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error)) *ScriptedExtractor {
	return &ScriptedExtractor{Fn: fn}
}

func (s *ScriptedExtractor) Extract(ctx context.Context, fileURL, mimeType string) (*extraction.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ExtractCall{FileURL: fileURL, MimeType: mimeType})
	fn := s.Fn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, fileURL, mimeType)
	}
	return OKResult(), nil
}

// Calls returns a copy of the recorded calls
func (s *ScriptedExtractor) Calls() []ExtractCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExtractCall(nil), s.calls...)
}

// CallCount returns the number of calls made
func (s *ScriptedExtractor) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// OKResult is a successful extraction payload
func OKResult() *extraction.Result {
	return &extraction.Result{
		HasResult:      true,
		StructuredData: json.RawMessage(`{"sampleId":"S-1","result":"negative"}`),
		RawText:        "sample S-1 negative",
	}
}

var _ extraction.Extractor = (*ScriptedExtractor)(nil)
