package response

import (
	"encoding/json"
	"net/http"
)

// Stable error codes.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeTransientUpstream = "TRANSIENT_UPSTREAM"
	CodeInternal          = "INTERNAL"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Internal writes a 500 whose only detail is the correlation id under which
// the cause was logged.
func Internal(w http.ResponseWriter, errorID string) {
	var details any
	if errorID != "" {
		details = map[string]string{"error_id": errorID}
	}
	Error(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
