package upload

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/storage"
)

// ErrBusy is returned when an operation is attempted while a session is
// negotiating, transferring or finalizing.
var ErrBusy = errors.New("upload in progress")

// Kind classifies upload failures.
type Kind string

const (
	// KindValidation is a local failure before any network use.
	KindValidation Kind = "validation"
	// KindNegotiation means the API rejected the upload setup.
	KindNegotiation Kind = "negotiation"
	// KindTransfer means the bytes could not be stored.
	KindTransfer Kind = "transfer"
	// KindFinalization means the bytes were stored but the video record
	// was not created. The object is orphaned.
	KindFinalization Kind = "finalization"
)

// Reasons shown for validation failures.
const (
	ReasonNoFile          = "Please select a file to upload."
	ReasonEmptyFile       = "The selected file is empty."
	ReasonNoTitle         = "Please provide a video title."
	ReasonNoDescription   = "Please provide a video description."
	ReasonStorageDenied   = "Permission denied. Could not upload to storage."
	reasonUnsupportedType = "Unsupported video format. Please use %s."
	reasonTooLarge        = "File size cannot exceed %s."
)

// Error is a terminal session failure.
type Error struct {
	Kind Kind
	// Stage is the stage the session was in when it failed.
	Stage Status
	// Reason is a human-readable description suitable for display.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upload %s failed: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("upload %s failed: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Orphaned reports whether the stored object was left without a video record.
func (e *Error) Orphaned() bool {
	return e.Kind == KindFinalization
}

// failureReason maps a network failure to the reason shown to the user.
// generic prefixes errors that carry no server message.
func failureReason(err error, generic string) string {
	var se *storage.StatusError
	if errors.As(err, &se) && se.Forbidden() {
		return ReasonStorageDenied
	}
	if apiErr, ok := api.AsError(err); ok {
		switch {
		case apiErr.RateLimited():
			return apiErr.Reason()
		case apiErr.Message != "":
			return "Upload failed: " + apiErr.Message
		default:
			return generic + ": " + apiErr.Reason()
		}
	}
	return generic + ": " + err.Error()
}
