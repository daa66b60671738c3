// Package extraction is the client for the external document extraction service.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// maxErrorBody bounds how much of a failed response ends up in the error text.
const maxErrorBody = 500

// Result is what the extraction service produced for one document.
// HasResult is false when the document contained nothing usable.
type Result struct {
	HasResult      bool            `json:"hasResult"`
	StructuredData json.RawMessage `json:"data,omitempty"`
	RawText        string          `json:"rawText,omitempty"`
}

// Extractor turns a fetchable document URL into structured data.
type Extractor interface {
	Extract(ctx context.Context, fileURL, mimeType string) (*Result, error)
}

type extractRequest struct {
	FileURL  string `json:"fileUrl"`
	MimeType string `json:"mimeType"`
}

// HTTPExtractor posts documents to an HTTP extraction endpoint.
type HTTPExtractor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPExtractor creates a client for endpoint with the given request timeout.
func NewHTTPExtractor(endpoint, apiKey string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExtractor{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Extract sends one document. Non-2xx responses become errors carrying the response text.
func (e *HTTPExtractor) Extract(ctx context.Context, fileURL, mimeType string) (*Result, error) {
	if e.endpoint == "" {
		return nil, fmt.Errorf("extraction endpoint is not configured")
	}

	body, err := json.Marshal(extractRequest{FileURL: fileURL, MimeType: mimeType})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading extraction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := truncateUTF8(strings.TrimSpace(string(payload)), maxErrorBody)
		return nil, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, msg)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding extraction response: %w", err)
	}
	if string(result.StructuredData) == "null" {
		result.StructuredData = nil
	}
	return &result, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune, and
// replaces invalid sequences so the text is safe to store.
func truncateUTF8(s string, max int) string {
	if len(s) > max {
		for max > 0 && !utf8.RuneStart(s[max]) {
			max--
		}
		s = s[:max]
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
