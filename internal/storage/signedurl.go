package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// StatusError is a non-2xx response from a signed upload URL.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("storage returned %d", e.StatusCode)
	}
	return fmt.Sprintf("storage returned %d: %s", e.StatusCode, e.Body)
}

// Forbidden reports whether the storage layer denied the write.
func (e *StatusError) Forbidden() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
}

// SignedURLUploader writes objects through pre-authorized URLs. Requests
// carry no API credentials; the URL is the authorization.
type SignedURLUploader struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewSignedURLUploader creates an uploader. httpClient may be nil to use
// http.DefaultClient.
func NewSignedURLUploader(httpClient *http.Client, logger zerolog.Logger) *SignedURLUploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SignedURLUploader{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "signed_url_uploader").Logger(),
	}
}

// Put streams body to uploadURL with the given content type. size is sent
// as Content-Length when positive.
func (u *SignedURLUploader) Put(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if size > 0 {
		req.ContentLength = size
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	u.logger.Debug().Int64("bytes", size).Str("content_type", contentType).Msg("object uploaded")
	return nil
}
