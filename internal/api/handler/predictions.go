package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/churnwatch/internal/api/middleware"
	"github.com/kiranshivaraju/churnwatch/internal/api/response"
	"github.com/kiranshivaraju/churnwatch/internal/ingress"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

const (
	defaultListLimit  = 50
	multipartOverhead = 1 << 20
	maxFormFieldBytes = 256
)

// PredictionService is the ingress surface the prediction handlers depend on.
type PredictionService interface {
	Submit(ctx context.Context, in ingress.SubmitInput) (*ingress.SubmitResult, error)
	List(ctx context.Context, in ingress.ListInput) (*ingress.ListResult, error)
	Get(ctx context.Context, tenantID, predictionID uuid.UUID) (*models.Prediction, error)
	Status(ctx context.Context, tenantID, predictionID uuid.UUID) (string, error)
	Download(ctx context.Context, tenantID, predictionID uuid.UUID) (*ingress.DownloadResult, error)
	MaxUploadBytes() int64
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/predictions.
//
// The body is multipart/form-data and is streamed: a tenant_id field, if
// sent, must precede the file part. tenant_id may also be given as a query
// parameter.
func NewSubmitHandler(svc PredictionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authTenant, ok := mw.GetTenantID(r)
		if !ok {
			forbidden(w)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, svc.MaxUploadBytes()+multipartOverhead)
		mr, err := r.MultipartReader()
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput,
				"Request must be multipart/form-data", nil)
			return
		}

		claimed := r.URL.Query().Get("tenant_id")
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "file is required", nil)
				return
			}
			if err != nil {
				writeBodyError(w, err)
				return
			}

			switch part.FormName() {
			case "tenant_id":
				v, err := io.ReadAll(io.LimitReader(part, maxFormFieldBytes))
				if err != nil {
					writeBodyError(w, err)
					return
				}
				claimed = strings.TrimSpace(string(v))
			case "file":
				tenantID, ok := resolveTenant(w, r, authTenant, claimed)
				if !ok {
					return
				}
				res, err := svc.Submit(r.Context(), ingress.SubmitInput{
					TenantID: tenantID,
					Filename: part.FileName(),
					Body:     part,
				})
				if err != nil {
					writeError(w, r, err)
					return
				}
				response.Created(w, res)
				return
			}
			part.Close()
		}
	}
}

type listResponse struct {
	Items  []predictionView `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/predictions.
func NewListHandler(svc PredictionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authTenant, ok := mw.GetTenantID(r)
		if !ok {
			forbidden(w)
			return
		}
		q := r.URL.Query()

		limit, err := intParam(q.Get("limit"), defaultListLimit)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "limit must be an integer", nil)
			return
		}
		offset, err := intParam(q.Get("offset"), 0)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "offset must be an integer", nil)
			return
		}

		tenantID, ok := resolveTenant(w, r, authTenant, q.Get("tenant_id"))
		if !ok {
			return
		}

		res, err := svc.List(r.Context(), ingress.ListInput{
			TenantID: tenantID,
			Status:   q.Get("status"),
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		items := make([]predictionView, len(res.Items))
		for i, p := range res.Items {
			items[i] = newPredictionView(p)
		}
		response.JSON(w, listResponse{Items: items, Total: res.Total, Limit: res.Limit, Offset: res.Offset})
	}
}

// predictionView is the public form of a prediction. Failed predictions
// carry a message derived from their error code.
type predictionView struct {
	*models.Prediction
	UserMessage string `json:"user_message,omitempty"`
}

func newPredictionView(p *models.Prediction) predictionView {
	v := predictionView{Prediction: p}
	if p.ErrorDescription != nil {
		v.UserMessage = models.UserMessage(*p.ErrorDescription)
	}
	return v
}

// NewDetailHandler returns an http.HandlerFunc for GET /api/v1/predictions/{predictionID}.
func NewDetailHandler(svc PredictionService) http.HandlerFunc {
	return withPrediction(func(w http.ResponseWriter, r *http.Request, tenantID, predictionID uuid.UUID) {
		p, err := svc.Get(r.Context(), tenantID, predictionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newPredictionView(p))
	})
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/predictions/{predictionID}/status.
func NewStatusHandler(svc PredictionService) http.HandlerFunc {
	return withPrediction(func(w http.ResponseWriter, r *http.Request, tenantID, predictionID uuid.UUID) {
		status, err := svc.Status(r.Context(), tenantID, predictionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{
			"prediction_id": predictionID.String(),
			"status":        status,
		})
	})
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/predictions/{predictionID}/download.
func NewDownloadHandler(svc PredictionService) http.HandlerFunc {
	return withPrediction(func(w http.ResponseWriter, r *http.Request, tenantID, predictionID uuid.UUID) {
		res, err := svc.Download(r.Context(), tenantID, predictionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	})
}

type predictionHandlerFunc func(w http.ResponseWriter, r *http.Request, tenantID, predictionID uuid.UUID)

// withPrediction resolves the tenant and the {predictionID} path parameter.
func withPrediction(next predictionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authTenant, ok := mw.GetTenantID(r)
		if !ok {
			forbidden(w)
			return
		}
		predictionID, err := uuid.Parse(chi.URLParam(r, "predictionID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "prediction id must be a UUID", nil)
			return
		}
		tenantID, ok := resolveTenant(w, r, authTenant, r.URL.Query().Get("tenant_id"))
		if !ok {
			return
		}
		next(w, r, tenantID, predictionID)
	}
}

// resolveTenant checks a caller-supplied tenant_id against the authenticated
// tenant. A mismatch is answered as not found.
func resolveTenant(w http.ResponseWriter, r *http.Request, authTenant uuid.UUID, claimed string) (uuid.UUID, bool) {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		return authTenant, true
	}
	id, err := uuid.Parse(claimed)
	if err != nil || id != authTenant {
		slog.Warn("ownership_mismatch",
			"requesting_tenant_id", authTenant,
			"owning_tenant_id", claimed,
			"path", r.URL.Path,
			"request_id", mw.GetRequestID(r),
		)
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
		return uuid.Nil, false
	}
	return id, true
}

func forbidden(w http.ResponseWriter) {
	response.Error(w, http.StatusForbidden, response.CodeForbidden, "Missing authentication context", nil)
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "Request body too large", nil)
		return
	}
	response.Error(w, http.StatusBadRequest, response.CodeInvalidInput, "Malformed multipart body", nil)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
