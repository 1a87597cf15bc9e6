package workflow

import (
	"errors"
	"fmt"

	"github.com/zombor/leafscan/internal/permission"
	"github.com/zombor/leafscan/internal/scanning"
)

var (
	// ErrUserRequired is returned when a scan is requested without a signed-in user
	ErrUserRequired = errors.New("user id is required")

	// ErrSuperseded is returned to a caller whose attempt was replaced by a newer one
	ErrSuperseded = errors.New("scan attempt superseded")

	// ErrNotRetryable is returned by Retry when the current state offers no retry
	ErrNotRetryable = errors.New("nothing to retry")

	// ErrInvalidTransition is returned by Transition for an event the state does not accept
	ErrInvalidTransition = errors.New("invalid transition")
)

// ErrorKind tags a workflow failure
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindAcquisitionCancelled
	KindAcquisitionFailed
	KindStagingFailed
	KindNetworkError
	KindServerError
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindAcquisitionCancelled:
		return "acquisition_cancelled"
	case KindAcquisitionFailed:
		return "acquisition_failed"
	case KindStagingFailed:
		return "staging_failed"
	case KindNetworkError:
		return "network_error"
	case KindServerError:
		return "server_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the single error type a UI ever sees from the workflow
type Error struct {
	Kind ErrorKind
	// StatusCode is set for KindServerError
	StatusCode int
	// Denied is set for KindPermissionDenied
	Denied permission.Scope
	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	var s string
	switch e.Kind {
	case KindServerError:
		s = fmt.Sprintf("%s(%d)", e.Kind, e.StatusCode)
	case KindPermissionDenied:
		s = fmt.Sprintf("%s(%s)", e.Kind, e.Denied)
	default:
		s = e.Kind.String()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-uploading the same staged asset can help:
// transport failures and 5xx responses.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetworkError:
		return true
	case KindServerError:
		return e.StatusCode >= 500 && e.StatusCode <= 599
	default:
		return false
	}
}

// Message returns the user-facing text for the error
func (e *Error) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		switch e.Denied {
		case permission.ScopeCamera:
			return "Camera access was denied. Allow camera access to take a photo of the leaf."
		case permission.ScopeGallery:
			return "Photo gallery access was denied. Allow gallery access to pick a photo of the leaf."
		default:
			return "We need camera and gallery permissions to make this work!"
		}
	case KindAcquisitionCancelled:
		return ""
	case KindAcquisitionFailed:
		return "Could not capture or open the image. Please try again."
	case KindStagingFailed:
		return "Could not prepare the image for upload. Check free storage and pick the image again."
	case KindNetworkError:
		return "Could not reach the scan server. Check your connection and retry."
	case KindServerError:
		if e.Retryable() {
			return fmt.Sprintf("The scan server had a problem (status %d). Please retry in a moment.", e.StatusCode)
		}
		return fmt.Sprintf("The scan server rejected the image (status %d). Try a different photo.", e.StatusCode)
	case KindMalformedResponse:
		return "The scan server returned a result we could not read."
	default:
		return "Failed to scan image."
	}
}

// classifyUploadError maps an Uploader error onto the taxonomy. Unknown
// errors count as network failures so nothing leaves uncategorized.
func classifyUploadError(err error) *Error {
	var statusErr *scanning.StatusError
	switch {
	case errors.As(err, &statusErr):
		return &Error{Kind: KindServerError, StatusCode: statusErr.StatusCode, Err: err}
	case errors.Is(err, scanning.ErrMalformedResponse):
		return &Error{Kind: KindMalformedResponse, Err: err}
	case errors.Is(err, scanning.ErrAssetUnavailable):
		return &Error{Kind: KindStagingFailed, Err: err}
	default:
		return &Error{Kind: KindNetworkError, Err: err}
	}
}
