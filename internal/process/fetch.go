package process

import (
	"ades/internal/apperrors"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// maxDocumentSize limits fetched descriptors and workflow documents to 4MB.
const maxDocumentSize = 4 << 20

// Fetcher retrieves a document from a caller-supplied location.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// HTTPFetcher fetches http(s) URLs and, when enabled, local files.
type HTTPFetcher struct {
	client     *http.Client
	allowFiles bool
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
// Local paths and file:// URLs are only served when allowFiles is set.
func NewHTTPFetcher(timeout time.Duration, allowFiles bool) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:     &http.Client{Timeout: timeout},
		allowFiles: allowFiles,
	}
}

// Fetch returns the document body. Unreachable or non-2xx sources yield
// validation errors because the location is caller input.
func (f *HTTPFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, apperrors.Validation("proc", "process description location is required")
	}

	parsed, err := url.Parse(source)
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("malformed location %q", source))
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, source)
	case "file":
		return f.fetchFile(parsed.Path)
	case "":
		return f.fetchFile(source)
	default:
		return nil, apperrors.Validation("proc", fmt.Sprintf("unsupported location scheme %q", parsed.Scheme))
	}
}

func (f *HTTPFetcher) fetchHTTP(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("invalid location: %v", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("location unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Validation("proc", fmt.Sprintf("fetching %s returned HTTP %d", source, resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("reading %s: %v", source, err))
	}
	if len(data) > maxDocumentSize {
		return nil, apperrors.Validation("proc", "document exceeds maximum size")
	}
	return data, nil
}

func (f *HTTPFetcher) fetchFile(path string) ([]byte, error) {
	if !f.allowFiles {
		return nil, apperrors.Validation("proc", "local file locations are disabled")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("location unreachable: %v", err))
	}
	if info.Size() > maxDocumentSize {
		return nil, apperrors.Validation("proc", "document exceeds maximum size")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("location unreachable: %v", err))
	}
	return data, nil
}
