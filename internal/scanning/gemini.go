package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// leafScanPrompt asks the model for the same JSON document the inference server returns
var leafScanPrompt = `You are a plant pathologist examining a photo of a cacao leaf or pod.
Classify it as exactly one of: ` + strings.Join(KnownDiseases(), ", ") + `.

Return ONLY valid JSON in this exact format:
{
  "disease": "one of the class names above",
  "confidence": 0.0,
  "prevention": "one or two sentences of prevention and control advice"
}

Important:
- confidence is a number between 0 and 1
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// Gemini implements the Uploader interface using Google Gemini in place of the inference server
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Uploader instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Upload sends the staged image to Gemini and parses its diagnosis
func (g *Gemini) Upload(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	imageData, err := os.ReadFile(req.Asset.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetUnavailable, err)
	}

	// genai.ImageData expects just the format suffix, not the full MIME type
	parts := []genai.Part{
		genai.ImageData("jpeg", imageData),
		genai.Text(leafScanPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrMalformedResponse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return parseModelReply(responseText.String())
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// classifyGeminiError turns API errors into StatusError and everything else into ErrNetwork
func classifyGeminiError(err error) error {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPCode()
		if code <= 0 {
			if st := apiErr.GRPCStatus(); st != nil {
				code = httpStatusFromCode(st.Code())
			}
		}
		if code > 0 {
			return &StatusError{StatusCode: code, Body: apiErr.Error()}
		}
	}
	return fmt.Errorf("%w: generating content: %w", ErrNetwork, err)
}

// httpStatusFromCode maps gRPC codes to HTTP statuses. Zero means "treat as transport failure".
func httpStatusFromCode(c codes.Code) int {
	switch c {
	case codes.OK, codes.Canceled, codes.DeadlineExceeded, codes.Unknown:
		return 0
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
