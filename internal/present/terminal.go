// Package present renders scan outcomes for a person at a terminal.
package present

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/workflow"
)

// Terminal writes a human readable report of each outcome
type Terminal struct {
	out io.Writer
}

// NewTerminal creates a Terminal presenter writing to out
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Present implements workflow.Presenter
func (t *Terminal) Present(ctx context.Context, outcome workflow.Outcome) {
	var b strings.Builder
	if outcome.Succeeded() {
		writeResult(&b, outcome.Result)
	} else if outcome.Err != nil {
		writeFailure(&b, outcome.Err)
	}
	if _, err := io.WriteString(t.out, b.String()); err != nil {
		slog.Error("Failed to write scan report", "attempt", outcome.Attempt, "error", err)
	}
}

func writeResult(b *strings.Builder, r *scanning.ScanResult) {
	fmt.Fprintf(b, "Disease:    %s\n", r.Disease)
	fmt.Fprintf(b, "Confidence: %s\n", FormatConfidence(r.Confidence))
	fmt.Fprintf(b, "Prevention: %s\n", r.Prevention)

	if r.Metrics == nil {
		return
	}
	metrics := []struct {
		label string
		value *float64
	}{
		{"Accuracy", r.Metrics.Accuracy},
		{"Precision", r.Metrics.Precision},
		{"Recall", r.Metrics.Recall},
		{"F1 score", r.Metrics.F1Score},
	}
	header := false
	for _, m := range metrics {
		if m.value == nil {
			continue
		}
		if !header {
			b.WriteString("Model metrics:\n")
			header = true
		}
		fmt.Fprintf(b, "  %-10s %.2f\n", m.label+":", *m.value)
	}
}

func writeFailure(b *strings.Builder, e *workflow.Error) {
	fmt.Fprintf(b, "Scan failed: %s\n", e.Message())
	if e.Retryable() {
		b.WriteString("This can be retried with the same image.\n")
	}
}

// FormatConfidence renders a 0..1 confidence as a percentage with two decimals
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.2f%%", c*100)
}
