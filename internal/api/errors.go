package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultRetryAfter is assumed when a 429 response carries no retry hint.
const DefaultRetryAfter = 60 * time.Second

const (
	maxResponseBytes = 32 << 20
	maxErrorBytes    = 4 << 10
	// maxReasonLen bounds a plain-text body used as the error message.
	maxReasonLen = 200
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	// Message is the server's "error" field, or the raw body when it is a
	// short line of plain text.
	Message string
	// RetryAfter is set for 429 responses.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the server rejected the request with 429.
func (e *Error) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Reason returns a human-readable description suitable for display.
func (e *Error) Reason() string {
	if e.RateLimited() {
		return fmt.Sprintf("Too many requests. Please try again in %d seconds.", int(e.RetryAfter.Seconds()))
	}
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter *int   `json:"retry_after"`
}

func parseError(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		apiErr.Message = eb.Error
	} else if text := strings.TrimSpace(string(body)); isPlainReason(resp.Header.Get("Content-Type"), text) {
		apiErr.Message = text
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = DefaultRetryAfter
		switch {
		case eb.RetryAfter != nil && *eb.RetryAfter > 0:
			apiErr.RetryAfter = time.Duration(*eb.RetryAfter) * time.Second
		case resp.Header.Get("Retry-After") != "":
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	return apiErr
}

// isPlainReason reports whether a non-JSON error body can be shown as is.
// Proxy error pages and other markup fall back to the status text.
func isPlainReason(contentType, text string) bool {
	if text == "" || len(text) > maxReasonLen || strings.ContainsAny(text, "\r\n") || !utf8.ValidString(text) {
		return false
	}
	if strings.HasPrefix(text, "<") || json.Valid([]byte(text)) {
		return false
	}
	return contentType == "" || strings.HasPrefix(contentType, "text/plain")
}
