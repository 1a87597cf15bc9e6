package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// scanResponse mirrors the backend JSON; pointers tell missing fields from zero values
type scanResponse struct {
	Disease    *string  `json:"disease"`
	Confidence *float64 `json:"confidence"`
	Prevention *string  `json:"prevention"`
	Metrics    *Metrics `json:"metrics"`
}

// decodeScanResult parses a server body that must be exactly one JSON object.
// Every failure wraps ErrMalformedResponse.
func decodeScanResult(body []byte) (*ScanResult, error) {
	var resp scanResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrMalformedResponse, err)
	}
	return validateScanResponse(resp)
}

// parseModelReply pulls the JSON object out of free-form model text before decoding it
func parseModelReply(text string) (*ScanResult, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present (LLM backends like to add them)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedResponse)
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("%w: invalid JSON object in response", ErrMalformedResponse)
	}

	return decodeScanResult([]byte(text[startIdx : endIdx+1]))
}

func validateScanResponse(resp scanResponse) (*ScanResult, error) {
	if resp.Disease == nil || strings.TrimSpace(*resp.Disease) == "" {
		return nil, fmt.Errorf("%w: missing disease", ErrMalformedResponse)
	}
	if resp.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrMalformedResponse)
	}
	confidence := *resp.Confidence
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, confidence)
	}

	result := &ScanResult{
		Disease:    strings.TrimSpace(*resp.Disease),
		Confidence: confidence,
		Metrics:    resp.Metrics,
	}
	if resp.Prevention != nil {
		result.Prevention = strings.TrimSpace(*resp.Prevention)
	}
	if result.Prevention == "" {
		result.Prevention = PreventionFor(result.Disease)
	}

	return result, nil
}
