package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PredictionStatusQueued    = "QUEUED"
	PredictionStatusRunning   = "RUNNING"
	PredictionStatusCompleted = "COMPLETED"
	PredictionStatusFailed    = "FAILED"
)

// Stable error_description codes written by the worker.
const (
	ErrCodeInputNotFound      = "input_not_found"
	ErrCodeSchemaUnresolvable = "schema_unresolvable"
	ErrCodeInvalidCSV         = "invalid_csv"
	ErrCodeModelError         = "model_error"
	ErrCodeProcessingTimeout  = "processing_timeout"
	ErrCodeRetryExhausted     = "retry_exhausted"
)

// Prediction tracks one asynchronous scoring run over an Upload.
// ResultKey is set iff Status is COMPLETED; ErrorDescription is set iff Status is FAILED.
type Prediction struct {
	ID               uuid.UUID      `db:"id"                json:"id"`
	UploadID         int64          `db:"upload_id"         json:"upload_id"`
	TenantID         uuid.UUID      `db:"tenant_id"         json:"tenant_id"`
	Status           string         `db:"status"            json:"status"`
	ResultKey        *string        `db:"result_key"        json:"result_key,omitempty"`
	RowsProcessed    int            `db:"rows_processed"    json:"rows_processed"`
	Metrics          map[string]any `db:"metrics"           json:"metrics,omitempty"`
	ErrorDescription *string        `db:"error_description" json:"error_description,omitempty"`
	Attempts         int            `db:"attempts"          json:"attempts"`
	ClaimToken       *uuid.UUID     `db:"claim_token"       json:"-"`
	QueueMessageID   *string        `db:"queue_message_id"  json:"-"`
	EnqueuedAt       *time.Time     `db:"enqueued_at"       json:"-"`
	CreatedAt        time.Time      `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether the prediction can no longer change state.
func (p *Prediction) IsTerminal() bool {
	return IsTerminalStatus(p.Status)
}

func IsTerminalStatus(status string) bool {
	return status == PredictionStatusCompleted || status == PredictionStatusFailed
}

// ValidPredictionStatus reports whether s names a known prediction status.
func ValidPredictionStatus(s string) bool {
	switch s {
	case PredictionStatusQueued, PredictionStatusRunning, PredictionStatusCompleted, PredictionStatusFailed:
		return true
	}
	return false
}

// StatusRank orders statuses along the state machine. Terminal statuses share the top rank.
func StatusRank(status string) int {
	switch status {
	case PredictionStatusQueued:
		return 0
	case PredictionStatusRunning:
		return 1
	case PredictionStatusCompleted, PredictionStatusFailed:
		return 2
	}
	return -1
}

// validTransitions lists, for each target status, the statuses it may be entered from.
// RUNNING -> RUNNING is a re-claim after an interrupted attempt.
// QUEUED -> FAILED only happens when a published message expired unclaimed.
var validTransitions = map[string][]string{
	PredictionStatusRunning:   {PredictionStatusQueued, PredictionStatusRunning},
	PredictionStatusCompleted: {PredictionStatusRunning},
	PredictionStatusFailed:    {PredictionStatusQueued, PredictionStatusRunning},
}

// TransitionSources returns the statuses from which target may be entered.
func TransitionSources(target string) []string {
	src := validTransitions[target]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from -> to is an allowed state change.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// UserMessage turns a stable error_description into text suitable for end users.
func UserMessage(errorDescription string) string {
	code, detail, _ := strings.Cut(errorDescription, ":")
	detail = strings.TrimSpace(detail)
	switch code {
	case ErrCodeSchemaUnresolvable:
		return "The file is missing required columns: " + detail
	case ErrCodeInputNotFound:
		return "The uploaded file could not be found. Please upload it again."
	case ErrCodeInvalidCSV:
		if detail != "" {
			return "The file could not be read as CSV: " + detail
		}
		return "The file could not be read as CSV."
	case ErrCodeModelError:
		return "The prediction model could not score this file."
	case ErrCodeProcessingTimeout:
		return "Processing took too long and was stopped. Try a smaller file."
	case ErrCodeRetryExhausted:
		return "The prediction could not be processed after several attempts. Please submit the file again."
	default:
		return "The prediction failed."
	}
}
