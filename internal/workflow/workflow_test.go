package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/permission"
	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/staging"
)

// mockGate is a mock implementation of permission.Gate
type mockGate struct {
	cameraOK  bool
	galleryOK bool
	err       error
	requested []permission.Kinds
}

func (m *mockGate) RequestAccess(ctx context.Context, kinds permission.Kinds) (permission.Result, error) {
	m.requested = append(m.requested, kinds)
	if m.err != nil {
		return permission.Result{}, m.err
	}
	return permission.NewResult(kinds, m.cameraOK, m.galleryOK), nil
}

// mockAcquirer is a mock implementation of acquire.Acquirer
type mockAcquirer struct {
	mu           sync.Mutex
	handle       *acquire.ImageHandle
	err          error
	cameraCalls  int
	galleryCalls int
	lastOpts     acquire.Options
}

func (m *mockAcquirer) AcquireFromCamera(ctx context.Context, opts acquire.Options) (*acquire.ImageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraCalls++
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.handle, nil
}

func (m *mockAcquirer) AcquireFromGallery(ctx context.Context, opts acquire.Options) (*acquire.ImageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.galleryCalls++
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.handle, nil
}

// mockStore is a mock implementation of staging.Store
type mockStore struct {
	mu       sync.Mutex
	stageErr error
	staged   []*staging.StagedAsset
	removed  []string
}

func (m *mockStore) Stage(ctx context.Context, handle *acquire.ImageHandle) (*staging.StagedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stageErr != nil {
		return nil, m.stageErr
	}
	name := fmt.Sprintf("image_%d.jpg", 1718000000000+len(m.staged))
	asset := &staging.StagedAsset{Path: "/staged/" + name, FileName: name}
	m.staged = append(m.staged, asset)
	return asset, nil
}

func (m *mockStore) Remove(asset *staging.StagedAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, asset.FileName)
	return nil
}

func (m *mockStore) stageCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

func (m *mockStore) removedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

type uploadFunc func(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanResult, error)

// mockUploader is a mock implementation of scanning.Uploader. Each call uses
// the next response; the last one repeats.
type mockUploader struct {
	mu        sync.Mutex
	responses []uploadFunc
	requests  []scanning.ScanRequest
}

func (m *mockUploader) Upload(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.responses[len(m.responses)-1]
	if n := len(m.requests); n <= len(m.responses) {
		fn = m.responses[n-1]
	}
	m.mu.Unlock()
	return fn(ctx, req)
}

func (m *mockUploader) Close() error {
	return nil
}

func (m *mockUploader) uploadRequests() []scanning.ScanRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scanning.ScanRequest(nil), m.requests...)
}

func respond(result *scanning.ScanResult, err error) uploadFunc {
	return func(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanResult, error) {
		return result, err
	}
}

// recordingPresenter collects outcomes
type recordingPresenter struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingPresenter) Present(ctx context.Context, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingPresenter) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

var blackPod = &scanning.ScanResult{Disease: "Black Pod", Confidence: 0.92, Prevention: "Remove infected pods."}

var _ = Describe("Workflow", func() {
	var (
		gate      *mockGate
		acquirer  *mockAcquirer
		store     *mockStore
		uploader  *mockUploader
		presenter *recordingPresenter
		opts      Options
		phases    []Phase
		phasesMu  sync.Mutex
		wf        *Workflow
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		gate = &mockGate{cameraOK: true, galleryOK: true}
		acquirer = &mockAcquirer{handle: &acquire.ImageHandle{LocalURI: "file:///photos/leaf.jpg", MIMEType: "image/jpeg", SizeBytes: 2048}}
		store = &mockStore{}
		uploader = &mockUploader{responses: []uploadFunc{respond(blackPod, nil)}}
		presenter = &recordingPresenter{}
		phases = nil
		opts = DefaultOptions()
		opts.Observer = func(s State) {
			phasesMu.Lock()
			defer phasesMu.Unlock()
			phases = append(phases, s.Phase)
		}
	})

	JustBeforeEach(func() {
		wf = NewWithClock(gate, acquirer, store, uploader, presenter, opts,
			&mockTimeSource{now: time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)})
	})

	Describe("RequestScan", func() {
		var (
			userID string
			source acquire.Source
			state  State
			err    error
		)

		BeforeEach(func() {
			userID = "user-1"
			source = acquire.SourceCamera
		})

		JustBeforeEach(func() {
			state, err = wf.RequestScan(ctx, userID, source)
		})

		When("the server diagnoses the image", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("ends in Succeeded with the server's confidence", func() {
				Expect(state.Phase).To(Equal(PhaseSucceeded))
				Expect(state.Result.Confidence).To(Equal(0.92))
				Expect(wf.State()).To(Equal(state))
			})

			It("passes through every phase in order", func() {
				Expect(phases).To(Equal([]Phase{
					PhaseAwaitingPermission, PhaseAcquiring, PhaseStaging, PhaseUploading, PhaseSucceeded,
				}))
			})

			It("requests both camera and gallery access", func() {
				Expect(gate.requested).To(Equal([]permission.Kinds{{Camera: true, Gallery: true}}))
			})

			It("uses the camera options", func() {
				Expect(acquirer.cameraCalls).To(Equal(1))
				Expect(acquirer.lastOpts).To(Equal(acquire.CameraOptions()))
			})

			It("uploads the staged asset for the user", func() {
				reqs := uploader.uploadRequests()
				Expect(reqs).To(HaveLen(1))
				Expect(reqs[0].UserID).To(Equal("user-1"))
				Expect(reqs[0].Asset).To(Equal(*store.staged[0]))
			})

			It("delivers exactly one outcome", func() {
				outcomes := presenter.all()
				Expect(outcomes).To(HaveLen(1))
				Expect(outcomes[0].Succeeded()).To(BeTrue())
				Expect(outcomes[0].Result).To(Equal(blackPod))
				Expect(outcomes[0].Attempt).To(Equal(state.Attempt))
				Expect(outcomes[0].FinishedAt).To(Equal(time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)))
			})

			It("removes the staged file afterwards", func() {
				Expect(store.removedFiles()).To(Equal([]string{store.staged[0].FileName}))
			})
		})

		When("the camera leaves a temporary capture", func() {
			var capturePath string

			BeforeEach(func() {
				capturePath = filepath.Join(GinkgoT().TempDir(), "capture_1.jpg")
				Expect(os.WriteFile(capturePath, []byte("jpeg"), 0600)).To(Succeed())
				acquirer.handle = &acquire.ImageHandle{LocalURI: "file://" + capturePath, MIMEType: "image/jpeg", Temporary: true}
			})

			It("deletes the capture once staged", func() {
				Expect(state.Phase).To(Equal(PhaseSucceeded))
				Expect(capturePath).NotTo(BeAnExistingFile())
			})

			When("staging fails", func() {
				BeforeEach(func() {
					store.stageErr = errors.New("no space left on device")
				})

				It("still deletes the capture", func() {
					Expect(state.Err.Kind).To(Equal(KindStagingFailed))
					Expect(capturePath).NotTo(BeAnExistingFile())
				})
			})
		})

		When("the picked image belongs to the user", func() {
			var galleryPath string

			BeforeEach(func() {
				source = acquire.SourceGallery
				galleryPath = filepath.Join(GinkgoT().TempDir(), "leaf.jpg")
				Expect(os.WriteFile(galleryPath, []byte("jpeg"), 0600)).To(Succeed())
				acquirer.handle = &acquire.ImageHandle{LocalURI: "file://" + galleryPath, MIMEType: "image/jpeg"}
			})

			It("leaves it in place", func() {
				Expect(state.Phase).To(Equal(PhaseSucceeded))
				Expect(galleryPath).To(BeAnExistingFile())
			})
		})

		When("the source is the gallery", func() {
			BeforeEach(func() {
				source = acquire.SourceGallery
			})

			It("picks from the gallery", func() {
				Expect(acquirer.galleryCalls).To(Equal(1))
				Expect(acquirer.cameraCalls).To(BeZero())
				Expect(acquirer.lastOpts).To(Equal(acquire.GalleryOptions()))
			})
		})

		When("no user is signed in", func() {
			BeforeEach(func() {
				userID = "  "
			})

			It("returns ErrUserRequired without leaving Idle", func() {
				Expect(err).To(MatchError(ErrUserRequired))
				Expect(state.Phase).To(Equal(PhaseIdle))
				Expect(gate.requested).To(BeEmpty())
			})
		})

		When("the user cancels acquisition", func() {
			BeforeEach(func() {
				acquirer.err = acquire.ErrCancelled
			})

			It("returns to Idle without an error", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(state.Phase).To(Equal(PhaseIdle))
				Expect(state.Err).To(BeNil())
			})

			It("stages nothing", func() {
				Expect(store.stageCalls()).To(BeZero())
			})

			It("delivers nothing to the presenter", func() {
				Expect(presenter.all()).To(BeEmpty())
			})
		})

		When("acquisition breaks", func() {
			BeforeEach(func() {
				acquirer.err = errors.New("camera busy")
			})

			It("fails with AcquisitionFailed", func() {
				Expect(state.Phase).To(Equal(PhaseFailed))
				Expect(state.Err.Kind).To(Equal(KindAcquisitionFailed))
			})
		})

		When("camera access is denied but gallery is granted", func() {
			BeforeEach(func() {
				gate.cameraOK = false
			})

			It("fails with PermissionDenied for the camera", func() {
				Expect(state.Phase).To(Equal(PhaseFailed))
				Expect(state.Err.Kind).To(Equal(KindPermissionDenied))
				Expect(state.Err.Denied).To(Equal(permission.ScopeCamera))
			})

			It("does not proceed to acquisition", func() {
				Expect(acquirer.cameraCalls).To(BeZero())
			})

			It("differs from a denial of both", func() {
				bothGate := &mockGate{}
				other := New(bothGate, acquirer, store, uploader, nil, opts)
				bothState, bothErr := other.RequestScan(ctx, "user-1", acquire.SourceCamera)
				Expect(bothErr).NotTo(HaveOccurred())
				Expect(bothState.Err.Denied).To(Equal(permission.ScopeBoth))
				Expect(bothState.Err.Message()).NotTo(Equal(state.Err.Message()))
			})

			It("delivers the failure", func() {
				outcomes := presenter.all()
				Expect(outcomes).To(HaveLen(1))
				Expect(outcomes[0].Err.Kind).To(Equal(KindPermissionDenied))
				Expect(outcomes[0].Asset).To(BeNil())
			})
		})

		When("the permission prompt itself fails", func() {
			BeforeEach(func() {
				gate.err = errors.New("no tty")
			})

			It("treats it as a denial of both", func() {
				Expect(state.Err.Kind).To(Equal(KindPermissionDenied))
				Expect(state.Err.Denied).To(Equal(permission.ScopeBoth))
			})
		})

		When("staging fails", func() {
			BeforeEach(func() {
				store.stageErr = errors.New("no space left on device")
			})

			It("fails with StagingFailed", func() {
				Expect(state.Phase).To(Equal(PhaseFailed))
				Expect(state.Err.Kind).To(Equal(KindStagingFailed))
				Expect(state.Err).To(MatchError(ContainSubstring("no space left")))
			})

			It("never uploads", func() {
				Expect(uploader.uploadRequests()).To(BeEmpty())
			})
		})

		When("the server returns 500", func() {
			BeforeEach(func() {
				uploader.responses = []uploadFunc{
					respond(nil, &scanning.StatusError{StatusCode: 500}),
					respond(blackPod, nil),
				}
			})

			It("fails with ServerError(500)", func() {
				Expect(state.Phase).To(Equal(PhaseFailed))
				Expect(state.Err.Kind).To(Equal(KindServerError))
				Expect(state.Err.StatusCode).To(Equal(500))
				Expect(state.Err.Retryable()).To(BeTrue())
			})

			It("keeps the staged file for a retry", func() {
				Expect(store.removedFiles()).To(BeEmpty())
			})

			Describe("Retry", func() {
				var (
					retried  State
					retryErr error
				)

				JustBeforeEach(func() {
					retried, retryErr = wf.Retry(ctx)
				})

				It("succeeds on the second upload", func() {
					Expect(retryErr).NotTo(HaveOccurred())
					Expect(retried.Phase).To(Equal(PhaseSucceeded))
					Expect(retried.Attempt).To(Equal(state.Attempt + 1))
				})

				It("reuses the staged asset without staging again", func() {
					Expect(store.stageCalls()).To(Equal(1))
					reqs := uploader.uploadRequests()
					Expect(reqs).To(HaveLen(2))
					Expect(reqs[1].Asset).To(Equal(reqs[0].Asset))
					Expect(reqs[1].UserID).To(Equal("user-1"))
				})

				It("does not acquire again", func() {
					Expect(acquirer.cameraCalls).To(Equal(1))
					Expect(gate.requested).To(HaveLen(1))
				})

				It("delivers one outcome per attempt", func() {
					outcomes := presenter.all()
					Expect(outcomes).To(HaveLen(2))
					Expect(outcomes[0].Err.StatusCode).To(Equal(500))
					Expect(outcomes[1].Succeeded()).To(BeTrue())
				})

				It("removes the staged file once done", func() {
					Expect(store.removedFiles()).To(Equal([]string{store.staged[0].FileName}))
				})
			})

			When("a new scan is requested instead of a retry", func() {
				It("removes the retained file", func() {
					_, err := wf.RequestScan(ctx, "user-1", acquire.SourceGallery)
					Expect(err).NotTo(HaveOccurred())
					Expect(store.removedFiles()).To(ContainElement(store.staged[0].FileName))
				})
			})
		})

		When("the server returns 400", func() {
			BeforeEach(func() {
				uploader.responses = []uploadFunc{respond(nil, &scanning.StatusError{StatusCode: 400})}
			})

			It("fails with a terminal ServerError", func() {
				Expect(state.Err.Kind).To(Equal(KindServerError))
				Expect(state.Err.Retryable()).To(BeFalse())
			})

			It("refuses to retry", func() {
				_, retryErr := wf.Retry(ctx)
				Expect(retryErr).To(MatchError(ErrNotRetryable))
				Expect(uploader.uploadRequests()).To(HaveLen(1))
			})

			It("removes the staged file", func() {
				Expect(store.removedFiles()).To(HaveLen(1))
			})
		})

		When("the response is malformed", func() {
			BeforeEach(func() {
				uploader.responses = []uploadFunc{respond(nil, fmt.Errorf("%w: confidence 1.7 outside [0,1]", scanning.ErrMalformedResponse))}
			})

			It("fails with MalformedResponse", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(state.Phase).To(Equal(PhaseFailed))
				Expect(state.Err.Kind).To(Equal(KindMalformedResponse))
				Expect(state.Err.Retryable()).To(BeFalse())
			})
		})

		When("the network fails", func() {
			BeforeEach(func() {
				uploader.responses = []uploadFunc{respond(nil, fmt.Errorf("%w: connection reset", scanning.ErrNetwork))}
			})

			It("fails with a retryable NetworkError", func() {
				Expect(state.Err.Kind).To(Equal(KindNetworkError))
				Expect(state.Err.Retryable()).To(BeTrue())
			})
		})

		When("KeepStaged is set", func() {
			BeforeEach(func() {
				opts.KeepStaged = true
			})

			It("leaves the staged file alone", func() {
				Expect(state.Phase).To(Equal(PhaseSucceeded))
				Expect(store.removedFiles()).To(BeEmpty())
			})
		})
	})

	Describe("Retry from Idle", func() {
		It("returns ErrNotRetryable", func() {
			_, err := wf.Retry(ctx)
			Expect(err).To(MatchError(ErrNotRetryable))
		})
	})

	Describe("overlapping attempts", func() {
		type scanReturn struct {
			state State
			err   error
		}

		var (
			started chan struct{}
			release chan struct{}
			first   chan scanReturn
		)

		BeforeEach(func() {
			started = make(chan struct{})
			release = make(chan struct{})
			first = make(chan scanReturn, 1)

			stale := &scanning.ScanResult{Disease: "Cacao Healthy", Confidence: 0.3}
			uploader.responses = []uploadFunc{
				// The in-flight request ignores cancellation and completes late
				func(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanResult, error) {
					close(started)
					<-release
					return stale, nil
				},
				respond(blackPod, nil),
			}
		})

		JustBeforeEach(func() {
			go func() {
				st, err := wf.RequestScan(ctx, "user-1", acquire.SourceCamera)
				first <- scanReturn{st, err}
			}()
			Eventually(started).Should(BeClosed())
		})

		It("does not let a late first result overwrite the second", func() {
			second, err := wf.RequestScan(ctx, "user-1", acquire.SourceCamera)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Attempt).To(Equal(uint64(2)))
			Expect(second.Result).To(Equal(blackPod))

			close(release)
			var r scanReturn
			Eventually(first).Should(Receive(&r))
			Expect(r.err).To(MatchError(ErrSuperseded))

			Expect(wf.State().Attempt).To(Equal(uint64(2)))
			Expect(wf.State().Result).To(Equal(blackPod))
		})

		It("delivers only the current attempt's outcome", func() {
			_, err := wf.RequestScan(ctx, "user-1", acquire.SourceCamera)
			Expect(err).NotTo(HaveOccurred())
			close(release)
			Eventually(first).Should(Receive())

			outcomes := presenter.all()
			Expect(outcomes).To(HaveLen(1))
			Expect(outcomes[0].Attempt).To(Equal(uint64(2)))
		})

		It("invalidates the first attempt's staged file", func() {
			_, err := wf.RequestScan(ctx, "user-1", acquire.SourceCamera)
			Expect(err).NotTo(HaveOccurred())
			close(release)
			Eventually(first).Should(Receive())

			Expect(store.removedFiles()).To(ConsistOf(store.staged[0].FileName, store.staged[1].FileName))
		})

		It("discards the late result after a reset", func() {
			reset := wf.Reset()
			Expect(reset.Phase).To(Equal(PhaseIdle))

			close(release)
			var r scanReturn
			Eventually(first).Should(Receive(&r))
			Expect(r.err).To(MatchError(ErrSuperseded))
			Expect(wf.State().Phase).To(Equal(PhaseIdle))
			Expect(presenter.all()).To(BeEmpty())
		})
	})
})
