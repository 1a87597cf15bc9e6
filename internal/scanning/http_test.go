package scanning

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/leafscan/internal/staging"
)

var _ = Describe("HTTPUploader", func() {
	var (
		server   *ghttp.Server
		uploader *HTTPUploader
		req      ScanRequest
		result   *ScanResult
		err      error
		image    []byte
	)

	BeforeEach(func() {
		server = ghttp.NewServer()

		var newErr error
		uploader, newErr = NewHTTPUploader(server.URL()+"/", 0)
		Expect(newErr).NotTo(HaveOccurred())

		image = []byte("\xff\xd8\xff fake jpeg bytes")
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "image_1718000000123.jpg")
		Expect(os.WriteFile(path, image, 0644)).To(Succeed())
		req = ScanRequest{
			Asset:  staging.StagedAsset{Path: path, FileName: "image_1718000000123.jpg"},
			UserID: "user-42",
		}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = uploader.Upload(context.Background(), req)
	})

	When("the server returns 201 with a diagnosis", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/upload_image"),
				ghttp.VerifyHeaderKV("X-User-ID", "user-42"),
				func(w http.ResponseWriter, r *http.Request) {
					defer GinkgoRecover()
					Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
					Expect(r.MultipartForm.File).To(HaveLen(1))
					files := r.MultipartForm.File["image"]
					Expect(files).To(HaveLen(1))
					Expect(files[0].Filename).To(Equal("image_1718000000123.jpg"))
					Expect(files[0].Header.Get("Content-Type")).To(Equal("image/jpeg"))
					f, openErr := files[0].Open()
					Expect(openErr).NotTo(HaveOccurred())
					defer f.Close()
					Expect(io.ReadAll(f)).To(Equal(image))
				},
				ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]interface{}{
					"disease":    "Black Pod",
					"confidence": 0.92,
					"prevention": "Remove infected pods.",
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns the diagnosis", func() {
			Expect(result.Disease).To(Equal("Black Pod"))
			Expect(result.Confidence).To(Equal(0.92))
			Expect(result.Prevention).To(Equal("Remove infected pods."))
		})

		It("makes exactly one request", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the server returns 200 instead of 201", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
				"disease": "Black Pod", "confidence": 0.92,
			}))
		})

		It("returns a StatusError", func() {
			var statusErr *StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusOK))
		})
	})

	When("the server returns 500", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusInternalServerError, map[string]string{
				"error": "Error during prediction",
			}))
		})

		It("returns a StatusError carrying the code and body", func() {
			var statusErr *StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(statusErr.Body).To(ContainSubstring("Error during prediction"))
		})

		It("is not reported as a network error", func() {
			Expect(err).NotTo(MatchError(ErrNetwork))
		})
	})

	When("the body is missing the disease", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusCreated, map[string]interface{}{
				"confidence": 0.4,
			}))
		})

		It("returns ErrMalformedResponse", func() {
			Expect(err).To(MatchError(ErrMalformedResponse))
			Expect(result).To(BeNil())
		})
	})

	When("the confidence is out of range", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusCreated, `{"disease": "Black Pod", "confidence": 92}`))
		})

		It("returns ErrMalformedResponse", func() {
			Expect(err).To(MatchError(ErrMalformedResponse))
		})
	})

	When("the 201 body is an HTML page around a JSON object", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusCreated,
				`<html><body>{"disease": "Black Pod", "confidence": 0.5}</body></html>`))
		})

		It("returns ErrMalformedResponse", func() {
			Expect(err).To(MatchError(ErrMalformedResponse))
			Expect(result).To(BeNil())
		})
	})

	When("the server is unreachable", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("returns ErrNetwork", func() {
			Expect(err).To(MatchError(ErrNetwork))
		})
	})

	When("the staged file is gone", func() {
		BeforeEach(func() {
			Expect(os.Remove(req.Asset.Path)).To(Succeed())
		})

		It("returns ErrAssetUnavailable without calling the server", func() {
			Expect(err).To(MatchError(ErrAssetUnavailable))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})

var _ = Describe("NewHTTPUploader", func() {
	It("requires a server uri", func() {
		_, err := NewHTTPUploader("  ", 0)
		Expect(err).To(HaveOccurred())
	})
})
