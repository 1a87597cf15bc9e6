package scanning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"
)

const (
	uploadPath = "/upload_image"

	// maxResponseSize caps how much of a response body is read
	maxResponseSize = 1 << 20
)

// HTTPUploader implements the Uploader interface against the inference server
type HTTPUploader struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUploader creates a new HTTPUploader. A zero timeout means no
// client-side limit beyond what the transport enforces.
func NewHTTPUploader(baseURL string, timeout time.Duration) (*HTTPUploader, error) {
	return NewHTTPUploaderWithClient(baseURL, &http.Client{Timeout: timeout})
}

// NewHTTPUploaderWithClient creates a new HTTPUploader with a custom client for testing
func NewHTTPUploaderWithClient(baseURL string, client *http.Client) (*HTTPUploader, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("server uri is required")
	}
	return &HTTPUploader{
		baseURL: baseURL,
		client:  client,
	}, nil
}

// Upload posts the staged image as multipart field "image" and decodes the diagnosis
func (h *HTTPUploader) Upload(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	imageData, err := os.ReadFile(req.Asset.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}

	body, contentType, err := encodeImageForm(req.Asset.FileName, imageData)
	if err != nil {
		return nil, fmt.Errorf("encoding form: %w", err)
	}

	url := h.baseURL + uploadPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if req.UserID != "" {
		httpReq.Header.Set("X-User-ID", req.UserID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: calling scan server: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	return decodeScanResult(respBody)
}

// Close is a no-op for the HTTP client
func (h *HTTPUploader) Close() error {
	return nil
}

// encodeImageForm builds a multipart body with a single JPEG part named "image".
// multipart.Writer.CreateFormFile would label it application/octet-stream.
func encodeImageForm(fileName string, data []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(fileName)))
	header.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
