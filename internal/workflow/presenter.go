package workflow

import (
	"context"
	"time"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/staging"
)

// Outcome is delivered exactly once for every attempt that reaches a terminal state
type Outcome struct {
	Attempt    uint64
	UserID     string
	Source     acquire.Source
	Asset      *staging.StagedAsset // nil when the attempt failed before staging
	Result     *scanning.ScanResult // set on success
	Err        *Error               // set on failure
	FinishedAt time.Time
}

// Succeeded reports whether the outcome carries a diagnosis
func (o Outcome) Succeeded() bool {
	return o.Result != nil && o.Err == nil
}

// Presenter receives terminal outcomes. Implementations must not block for long;
// the staged asset is only guaranteed to exist until Present returns.
type Presenter interface {
	Present(ctx context.Context, outcome Outcome)
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(ctx context.Context, outcome Outcome)

// Present implements Presenter
func (f PresenterFunc) Present(ctx context.Context, outcome Outcome) {
	f(ctx, outcome)
}

// Presenters fans an outcome out to several presenters in order
type Presenters []Presenter

// Present implements Presenter
func (ps Presenters) Present(ctx context.Context, outcome Outcome) {
	for _, p := range ps {
		if p != nil {
			p.Present(ctx, outcome)
		}
	}
}
