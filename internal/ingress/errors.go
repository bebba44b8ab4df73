package ingress

import "errors"

// Error kinds surfaced to callers. Handlers map them to HTTP status codes.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrTransientUpstream = errors.New("transient upstream failure")
)
