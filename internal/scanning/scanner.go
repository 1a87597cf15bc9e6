package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/leafscan/internal/staging"
)

var (
	// ErrNetwork marks transport failures (timeout, DNS, connection reset).
	// These are always safe to retry.
	ErrNetwork = errors.New("network error")

	// ErrMalformedResponse marks a success status whose body is missing
	// required fields or carries out-of-range values.
	ErrMalformedResponse = errors.New("malformed scan response")

	// ErrAssetUnavailable is returned when the staged file cannot be read
	ErrAssetUnavailable = errors.New("staged asset unavailable")
)

// StatusError is returned when the backend answers with anything but 201 Created
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("scan server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("scan server returned status %d: %s", e.StatusCode, e.Body)
}

// Metrics are the optional model quality figures returned with a diagnosis
type Metrics struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
	F1Score   *float64 `json:"f1_score,omitempty"`
}

// ScanResult is a diagnosis for one uploaded image
type ScanResult struct {
	Disease    string   `json:"disease"`
	Confidence float64  `json:"confidence"` // 0..1
	Prevention string   `json:"prevention"`
	Metrics    *Metrics `json:"metrics,omitempty"`
}

// ScanRequest is built fresh for every upload attempt
type ScanRequest struct {
	Asset  staging.StagedAsset
	UserID string
}

// Uploader defines the interface for submitting a staged image for inference
type Uploader interface {
	// Upload sends the staged image and returns the diagnosis
	Upload(ctx context.Context, req ScanRequest) (*ScanResult, error)
	// Close releases resources held by the uploader
	Close() error
}
