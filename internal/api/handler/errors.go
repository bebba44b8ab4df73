package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mw "github.com/kiranshivaraju/churnwatch/internal/api/middleware"
	"github.com/kiranshivaraju/churnwatch/internal/api/response"
	"github.com/kiranshivaraju/churnwatch/internal/ingress"
)

// writeError maps ingress error kinds to responses. Messages of client
// errors are safe to echo; upstream and unexpected failures are logged
// under the request id and answered generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingress.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, clientMessage(err, ingress.ErrInvalidInput), nil)
	case errors.Is(err, ingress.ErrPayloadTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, clientMessage(err, ingress.ErrPayloadTooLarge), nil)
	case errors.Is(err, ingress.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, ingress.ErrConflict):
		response.Error(w, http.StatusConflict, response.CodeConflict, clientMessage(err, ingress.ErrConflict), nil)
	case errors.Is(err, ingress.ErrTransientUpstream):
		slog.Warn("upstream failure", "request_id", mw.GetRequestID(r), "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
		response.Error(w, http.StatusServiceUnavailable, response.CodeTransientUpstream,
			"A backing service is temporarily unavailable, retry shortly", nil)
	default:
		slog.Error("request failed", "request_id", mw.GetRequestID(r), "path", r.URL.Path, "error", err)
		response.Internal(w, mw.GetRequestID(r))
	}
}

// clientMessage strips the kind prefix from err's text.
func clientMessage(err, kind error) string {
	msg := strings.TrimPrefix(err.Error(), kind.Error()+": ")
	if msg == "" || msg == kind.Error() {
		return strings.ToUpper(kind.Error()[:1]) + kind.Error()[1:]
	}
	return msg
}
