package workflow

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/permission"
	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/staging"
)

// requiredAccess is requested for every scan regardless of source
var requiredAccess = permission.Kinds{Camera: true, Gallery: true}

// Options configures a Workflow
type Options struct {
	Camera  acquire.Options
	Gallery acquire.Options

	// KeepStaged leaves staged files for the caller to clean up
	KeepStaged bool

	// Observer, if set, is called after every state change
	Observer func(State)
}

// DefaultOptions returns the acquisition defaults for camera and gallery
func DefaultOptions() Options {
	return Options{
		Camera:  acquire.CameraOptions(),
		Gallery: acquire.GalleryOptions(),
	}
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Workflow runs scan attempts: permission, acquisition, staging, upload.
// It is safe for concurrent use; only the newest attempt may change state.
type Workflow struct {
	gate       permission.Gate
	acquirer   acquire.Acquirer
	store      staging.Store
	uploader   scanning.Uploader
	presenter  Presenter
	timeSource TimeSource
	opts       Options

	mu          sync.Mutex
	state       State
	lastAttempt uint64
	cancel      context.CancelFunc
	// owned is the staged file this workflow is responsible for removing
	owned *staging.StagedAsset
}

// New creates a new Workflow
func New(gate permission.Gate, acquirer acquire.Acquirer, store staging.Store, uploader scanning.Uploader, presenter Presenter, opts Options) *Workflow {
	return NewWithClock(gate, acquirer, store, uploader, presenter, opts, &defaultTimeSource{})
}

// NewWithClock creates a new Workflow with a custom time source for testing
func NewWithClock(gate permission.Gate, acquirer acquire.Acquirer, store staging.Store, uploader scanning.Uploader, presenter Presenter, opts Options, timeSrc TimeSource) *Workflow {
	return &Workflow{
		gate:       gate,
		acquirer:   acquirer,
		store:      store,
		uploader:   uploader,
		presenter:  presenter,
		timeSource: timeSrc,
		opts:       opts,
	}
}

// State returns a snapshot of the current state
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// RequestScan starts a new attempt, replacing any attempt in progress, and runs
// it to completion. Failures are reported in the returned State, never as an
// error; the error is ErrUserRequired, or ErrSuperseded when a newer attempt
// took over before this one finished.
func (w *Workflow) RequestScan(ctx context.Context, userID string, source acquire.Source) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return w.State(), ErrUserRequired
	}

	attemptCtx, cancel, st, err := w.begin(ctx, func(id uint64) Event {
		return ScanRequested{Attempt: id, UserID: userID, Source: source}
	}, true)
	if err != nil {
		return st, err
	}
	defer cancel()

	slog.Info("Scan requested", "attempt", st.Attempt, "source", source)
	return w.run(attemptCtx, st.Attempt, userID, source)
}

// Retry re-uploads the staged asset of a retryable failure as a new attempt,
// skipping permission, acquisition and staging.
func (w *Workflow) Retry(ctx context.Context) (State, error) {
	attemptCtx, cancel, st, err := w.begin(ctx, func(id uint64) Event {
		return RetryRequested{Attempt: id}
	}, false)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return st, ErrNotRetryable
		}
		return st, err
	}
	defer cancel()

	slog.Info("Retrying scan upload", "attempt", st.Attempt, "file", st.Asset.FileName)
	return w.upload(attemptCtx, st.Attempt, st.UserID, *st.Asset)
}

// Reset abandons the current attempt and returns to Idle. A late result from
// the abandoned attempt is discarded.
func (w *Workflow) Reset() State {
	w.mu.Lock()
	id := w.lastAttempt + 1
	next, _ := Transition(w.state, ResetRequested{Attempt: id})
	w.lastAttempt = id
	w.state = next
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	stale := w.owned
	w.owned = nil
	w.mu.Unlock()

	w.notify(next)
	w.removeAsset(stale)
	return next
}

// begin allocates the next attempt id and applies the starting event
func (w *Workflow) begin(ctx context.Context, start func(id uint64) Event, releaseOwned bool) (context.Context, context.CancelFunc, State, error) {
	w.mu.Lock()
	id := w.lastAttempt + 1
	next, err := Transition(w.state, start(id))
	if err != nil {
		st := w.state
		w.mu.Unlock()
		return nil, nil, st, err
	}

	w.lastAttempt = id
	if w.cancel != nil {
		// Best effort: the replaced attempt may still finish, but its result is ignored
		w.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	var stale *staging.StagedAsset
	if releaseOwned {
		stale = w.owned
		w.owned = nil
	}
	w.state = next
	w.mu.Unlock()

	w.notify(next)
	w.removeAsset(stale)
	return attemptCtx, cancel, next, nil
}

func (w *Workflow) run(ctx context.Context, attempt uint64, userID string, source acquire.Source) (State, error) {
	access, err := w.gate.RequestAccess(ctx, requiredAccess)
	if err != nil {
		slog.Warn("Permission request failed", "attempt", attempt, "error", err)
		access = permission.NewResult(requiredAccess, false, false)
	}
	if !access.Granted() {
		return w.finish(ctx, attempt, AccessDenied{Denied: access.Denied})
	}
	if st, err := w.step(attempt, AccessGranted{}); err != nil {
		return st, err
	}

	handle, err := w.acquire(ctx, source)
	switch {
	case errors.Is(err, acquire.ErrCancelled):
		return w.finish(ctx, attempt, AcquisitionCancelled{})
	case err != nil:
		slog.Error("Failed to acquire image", "attempt", attempt, "source", source, "error", err)
		return w.finish(ctx, attempt, AcquisitionFailed{Err: err})
	}
	if st, err := w.step(attempt, HandleReceived{Handle: handle}); err != nil {
		w.releaseHandle(handle)
		return st, err
	}

	asset, err := w.store.Stage(ctx, handle)
	// The staged copy, if any, replaces the capture
	w.releaseHandle(handle)
	if err != nil {
		slog.Error("Failed to stage image",
			"attempt", attempt,
			"uri", handle.LocalURI,
			"mime_type", handle.MIMEType,
			"size", handle.SizeBytes,
			"error", err,
		)
		return w.finish(ctx, attempt, StagingFailed{Err: err})
	}
	if st, err := w.step(attempt, Staged{Asset: asset}); err != nil {
		return st, err
	}

	return w.upload(ctx, attempt, userID, *asset)
}

func (w *Workflow) acquire(ctx context.Context, source acquire.Source) (*acquire.ImageHandle, error) {
	switch source {
	case acquire.SourceCamera:
		return w.acquirer.AcquireFromCamera(ctx, w.opts.Camera)
	case acquire.SourceGallery:
		return w.acquirer.AcquireFromGallery(ctx, w.opts.Gallery)
	default:
		return nil, errors.New("unknown image source: " + source.String())
	}
}

func (w *Workflow) upload(ctx context.Context, attempt uint64, userID string, asset staging.StagedAsset) (State, error) {
	result, err := w.uploader.Upload(ctx, scanning.ScanRequest{Asset: asset, UserID: userID})
	if err != nil {
		werr := classifyUploadError(err)
		if werr.Kind == KindMalformedResponse {
			slog.Error("Malformed scan response", "attempt", attempt, "file", asset.FileName, "error", err)
		} else {
			slog.Warn("Scan upload failed", "attempt", attempt, "file", asset.FileName, "kind", werr.Kind, "error", err)
		}
		return w.finish(ctx, attempt, UploadFailed{Err: werr})
	}
	return w.finish(ctx, attempt, ResultReceived{Result: result})
}

// step applies ev if attempt is still current. Events from replaced attempts
// are dropped and reported as ErrSuperseded.
func (w *Workflow) step(attempt uint64, ev Event) (State, error) {
	w.mu.Lock()
	if attempt != w.state.Attempt {
		current := w.state
		w.mu.Unlock()

		slog.Info("Discarding stale scan event", "attempt", attempt, "current", current.Attempt, "event", eventName(ev))
		// Nobody owns a file staged by a replaced attempt
		if staged, ok := ev.(Staged); ok {
			w.removeAsset(staged.Asset)
		}
		return current, ErrSuperseded
	}

	next, err := Transition(w.state, ev)
	if err != nil {
		current := w.state
		w.mu.Unlock()
		slog.Error("Rejected scan event", "attempt", attempt, "error", err)
		return current, err
	}
	if staged, ok := ev.(Staged); ok {
		w.owned = staged.Asset
	}
	w.state = next
	w.mu.Unlock()

	slog.Debug("Scan state changed", "attempt", attempt, "phase", next.Phase)
	w.notify(next)
	return next, nil
}

// finish applies a final event and delivers the outcome when it is terminal
func (w *Workflow) finish(ctx context.Context, attempt uint64, ev Event) (State, error) {
	st, err := w.step(attempt, ev)
	if err != nil {
		return st, err
	}
	if st.Phase.Terminal() {
		w.deliver(ctx, st)
	}
	return st, nil
}

func (w *Workflow) deliver(ctx context.Context, st State) {
	outcome := Outcome{
		Attempt:    st.Attempt,
		UserID:     st.UserID,
		Source:     st.Source,
		Asset:      st.Asset,
		Result:     st.Result,
		Err:        st.Err,
		FinishedAt: w.timeSource.Now(),
	}
	if w.presenter != nil {
		w.presenter.Present(ctx, outcome)
	}

	// A retryable failure keeps its asset for Retry; anything else is done with it
	if st.Phase == PhaseFailed && st.Err.Retryable() {
		return
	}

	w.mu.Lock()
	var done *staging.StagedAsset
	if w.owned != nil && w.owned == st.Asset && w.state.Attempt == st.Attempt {
		done = w.owned
		w.owned = nil
	}
	w.mu.Unlock()
	w.removeAsset(done)
}

func (w *Workflow) notify(st State) {
	if w.opts.Observer != nil {
		w.opts.Observer(st)
	}
}

func (w *Workflow) releaseHandle(handle *acquire.ImageHandle) {
	if err := handle.Release(); err != nil {
		slog.Warn("Failed to remove captured image", "uri", handle.LocalURI, "error", err)
	}
}

func (w *Workflow) removeAsset(asset *staging.StagedAsset) {
	if asset == nil || w.opts.KeepStaged {
		return
	}
	if err := w.store.Remove(asset); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to remove staged image", "path", asset.Path, "error", err)
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case AccessGranted:
		return "access_granted"
	case AccessDenied:
		return "access_denied"
	case HandleReceived:
		return "handle_received"
	case AcquisitionCancelled:
		return "acquisition_cancelled"
	case AcquisitionFailed:
		return "acquisition_failed"
	case Staged:
		return "staged"
	case StagingFailed:
		return "staging_failed"
	case ResultReceived:
		return "result_received"
	case UploadFailed:
		return "upload_failed"
	default:
		return "other"
	}
}
