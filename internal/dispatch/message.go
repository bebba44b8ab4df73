// Package dispatch moves predictions from the job store onto the job queue:
// the job message codec, the publisher, and the sweeper that re-publishes
// predictions whose first publish never landed.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"

	// maxClockSkew tolerates producers whose clock runs ahead of the consumer.
	maxClockSkew = 5 * time.Minute
)

// ErrMalformed wraps every reason a payload is rejected by Decode.
var ErrMalformed = errors.New("malformed job message")

var validate = validator.New()

// Message is the job payload. Field order is the canonical encoding order.
type Message struct {
	PredictionID string    `json:"prediction_id" validate:"required,uuid"`
	UploadID     int64     `json:"upload_id"     validate:"gt=0"`
	TenantID     string    `json:"tenant_id"     validate:"required,uuid"`
	ObjectKey    string    `json:"object_key"    validate:"required"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Priority     string    `json:"priority,omitempty" validate:"omitempty,oneof=normal high"`
}

// Job is a Message that passed validation, with ids parsed.
type Job struct {
	PredictionID uuid.UUID
	UploadID     int64
	TenantID     uuid.UUID
	ObjectKey    string
	EnqueuedAt   time.Time
	Priority     string
}

// NewMessage builds the payload announcing pred over upload.
func NewMessage(pred *models.Prediction, upload *models.Upload, at time.Time) Message {
	return Message{
		PredictionID: pred.ID.String(),
		UploadID:     upload.ID,
		TenantID:     pred.TenantID.String(),
		ObjectKey:    upload.ObjectKey,
		EnqueuedAt:   at.UTC().Truncate(time.Second),
		Priority:     PriorityNormal,
	}
}

// Encode serializes m in its canonical form.
func Encode(m Message) ([]byte, error) {
	m.EnqueuedAt = m.EnqueuedAt.UTC()
	return json.Marshal(m)
}

// Decode parses and validates a payload received at now. Unknown fields are
// ignored. maxAge bounds how old enqueued_at may be; zero disables the check.
func Decode(body []byte, now time.Time, maxAge time.Duration) (*Job, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, describe(err))
	}

	predictionID, err := uuid.Parse(m.PredictionID)
	if err != nil {
		return nil, fmt.Errorf("%w: prediction_id: %v", ErrMalformed, err)
	}
	tenantID, err := uuid.Parse(m.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant_id: %v", ErrMalformed, err)
	}

	// Keys must sit directly under the tenant's own upload namespace.
	prefix := blobstore.UploadKeyPrefix(tenantID.String())
	rest, ok := strings.CutPrefix(m.ObjectKey, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return nil, fmt.Errorf("%w: object_key outside tenant namespace", ErrMalformed)
	}

	if m.EnqueuedAt.IsZero() {
		return nil, fmt.Errorf("%w: enqueued_at is required", ErrMalformed)
	}
	if m.EnqueuedAt.After(now.Add(maxClockSkew)) {
		return nil, fmt.Errorf("%w: enqueued_at is in the future", ErrMalformed)
	}
	if maxAge > 0 && now.Sub(m.EnqueuedAt) > maxAge {
		return nil, fmt.Errorf("%w: enqueued_at older than %s", ErrMalformed, maxAge)
	}

	priority := m.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	return &Job{
		PredictionID: predictionID,
		UploadID:     m.UploadID,
		TenantID:     tenantID,
		ObjectKey:    m.ObjectKey,
		EnqueuedAt:   m.EnqueuedAt.UTC(),
		Priority:     priority,
	}, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", jsonName(fe.StructField()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func jsonName(field string) string {
	switch field {
	case "PredictionID":
		return "prediction_id"
	case "UploadID":
		return "upload_id"
	case "TenantID":
		return "tenant_id"
	case "ObjectKey":
		return "object_key"
	case "EnqueuedAt":
		return "enqueued_at"
	case "Priority":
		return "priority"
	}
	return field
}
