// Package history keeps a local record of every finished scan attempt.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/leafscan/internal/workflow"
)

// Record is one finished scan attempt
type Record struct {
	ID         string    `json:"id"`
	Attempt    uint64    `json:"attempt"`
	UserID     string    `json:"user_id"`
	Source     string    `json:"source"`
	FileName   string    `json:"file_name,omitempty"`
	Disease    string    `json:"disease,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Prevention string    `json:"prevention,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Succeeded reports whether the record holds a diagnosis
func (r *Record) Succeeded() bool {
	return r.ErrorKind == ""
}

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Recorder saves every outcome it is handed
type Recorder struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewRecorder creates a new Recorder with random IDs
func NewRecorder(db DB) *Recorder {
	return NewRecorderWithDeps(db, &uuidGenerator{}, &defaultTimeSource{})
}

// NewRecorderWithDeps creates a new Recorder with custom dependencies for testing
func NewRecorderWithDeps(db DB, idGen IDGenerator, timeSrc TimeSource) *Recorder {
	return &Recorder{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Present implements workflow.Presenter. Storage failures are logged, the
// outcome has already happened.
func (r *Recorder) Present(ctx context.Context, outcome workflow.Outcome) {
	record := r.newRecord(outcome)
	if err := r.db.SaveRecord(record); err != nil {
		slog.Error("Failed to save scan record", "id", record.ID, "attempt", outcome.Attempt, "error", err)
		return
	}
	slog.Debug("Saved scan record", "id", record.ID, "attempt", outcome.Attempt)
}

func (r *Recorder) newRecord(outcome workflow.Outcome) *Record {
	createdAt := outcome.FinishedAt
	if createdAt.IsZero() {
		createdAt = r.timeSource.Now()
	}

	record := &Record{
		ID:        r.idGenerator.Generate(),
		Attempt:   outcome.Attempt,
		UserID:    outcome.UserID,
		Source:    outcome.Source.String(),
		CreatedAt: createdAt,
	}
	if outcome.Asset != nil {
		record.FileName = outcome.Asset.FileName
	}
	if outcome.Result != nil {
		record.Disease = outcome.Result.Disease
		record.Confidence = outcome.Result.Confidence
		record.Prevention = outcome.Result.Prevention
	}
	if outcome.Err != nil {
		record.ErrorKind = outcome.Err.Kind.String()
		record.StatusCode = outcome.Err.StatusCode
		record.Message = outcome.Err.Message()
	}
	return record
}
