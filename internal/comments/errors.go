package comments

import (
	"github.com/MacJediWizard/minitube/internal/api"
)

// SubmissionError is a failed comment submission. The draft is kept.
type SubmissionError struct {
	// Reason is a human-readable description suitable for display.
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return "submit comment: " + e.Reason
	}
	return "submit comment: " + e.Reason + ": " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func submissionReason(err error) string {
	if apiErr, ok := api.AsError(err); ok {
		if apiErr.RateLimited() {
			return apiErr.Reason()
		}
		return "Could not post comment: " + apiErr.Reason()
	}
	return "Could not post comment: " + err.Error()
}
