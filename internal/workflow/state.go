package workflow

import (
	"fmt"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/permission"
	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/staging"
)

// Phase is the tag of the workflow state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingPermission
	PhaseAcquiring
	PhaseStaging
	PhaseUploading
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingPermission:
		return "awaiting_permission"
	case PhaseAcquiring:
		return "acquiring"
	case PhaseStaging:
		return "staging"
	case PhaseUploading:
		return "uploading"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether the phase ends an attempt
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// State is a snapshot of the workflow. Which payload fields are set depends on Phase:
// Handle from Staging on, Asset from Uploading on, Result in Succeeded, Err in Failed.
type State struct {
	Phase   Phase
	Attempt uint64
	UserID  string
	Source  acquire.Source
	Handle  *acquire.ImageHandle
	Asset   *staging.StagedAsset
	Result  *scanning.ScanResult
	Err     *Error
}

// Event drives a transition
type Event interface {
	event()
}

type (
	// ScanRequested starts a new attempt from any phase
	ScanRequested struct {
		Attempt uint64
		UserID  string
		Source  acquire.Source
	}
	// RetryRequested re-uploads the retained asset of a retryable failure
	RetryRequested struct {
		Attempt uint64
	}
	// ResetRequested abandons the current attempt
	ResetRequested struct {
		Attempt uint64
	}
	AccessGranted struct{}
	AccessDenied  struct {
		Denied permission.Scope
	}
	HandleReceived struct {
		Handle *acquire.ImageHandle
	}
	AcquisitionCancelled struct{}
	AcquisitionFailed    struct {
		Err error
	}
	Staged struct {
		Asset *staging.StagedAsset
	}
	StagingFailed struct {
		Err error
	}
	ResultReceived struct {
		Result *scanning.ScanResult
	}
	UploadFailed struct {
		Err *Error
	}
)

func (ScanRequested) event()        {}
func (RetryRequested) event()       {}
func (ResetRequested) event()       {}
func (AccessGranted) event()        {}
func (AccessDenied) event()         {}
func (HandleReceived) event()       {}
func (AcquisitionCancelled) event() {}
func (AcquisitionFailed) event()    {}
func (Staged) event()               {}
func (StagingFailed) event()        {}
func (ResultReceived) event()       {}
func (UploadFailed) event()         {}

// Transition is the pure state machine. It returns ErrInvalidTransition when
// the event is not accepted in the current phase; s is never modified.
func Transition(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case ScanRequested:
		return State{
			Phase:   PhaseAwaitingPermission,
			Attempt: e.Attempt,
			UserID:  e.UserID,
			Source:  e.Source,
		}, nil

	case ResetRequested:
		return State{Phase: PhaseIdle, Attempt: e.Attempt}, nil

	case RetryRequested:
		if s.Phase != PhaseFailed || s.Err == nil || !s.Err.Retryable() || s.Asset == nil {
			return s, invalid(s, ev)
		}
		return State{
			Phase:   PhaseUploading,
			Attempt: e.Attempt,
			UserID:  s.UserID,
			Source:  s.Source,
			Asset:   s.Asset,
		}, nil
	}

	next := s
	switch s.Phase {
	case PhaseAwaitingPermission:
		switch e := ev.(type) {
		case AccessGranted:
			next.Phase = PhaseAcquiring
			return next, nil
		case AccessDenied:
			return failed(s, &Error{Kind: KindPermissionDenied, Denied: e.Denied}), nil
		}

	case PhaseAcquiring:
		switch e := ev.(type) {
		case HandleReceived:
			if e.Handle == nil {
				return s, invalid(s, ev)
			}
			next.Phase = PhaseStaging
			next.Handle = e.Handle
			return next, nil
		case AcquisitionCancelled:
			return State{Phase: PhaseIdle, Attempt: s.Attempt, UserID: s.UserID}, nil
		case AcquisitionFailed:
			return failed(s, &Error{Kind: KindAcquisitionFailed, Err: e.Err}), nil
		}

	case PhaseStaging:
		switch e := ev.(type) {
		case Staged:
			if e.Asset == nil {
				return s, invalid(s, ev)
			}
			next.Phase = PhaseUploading
			// The handle is only valid while captured; the staged asset replaces it
			next.Handle = nil
			next.Asset = e.Asset
			return next, nil
		case StagingFailed:
			return failed(s, &Error{Kind: KindStagingFailed, Err: e.Err}), nil
		}

	case PhaseUploading:
		switch e := ev.(type) {
		case ResultReceived:
			if e.Result == nil {
				return s, invalid(s, ev)
			}
			next.Phase = PhaseSucceeded
			next.Result = e.Result
			return next, nil
		case UploadFailed:
			if e.Err == nil {
				return s, invalid(s, ev)
			}
			return failed(s, e.Err), nil
		}
	}

	return s, invalid(s, ev)
}

func failed(s State, err *Error) State {
	s.Phase = PhaseFailed
	s.Handle = nil
	s.Result = nil
	s.Err = err
	return s
}

func invalid(s State, ev Event) error {
	return fmt.Errorf("%w: %T in %s", ErrInvalidTransition, ev, s.Phase)
}
