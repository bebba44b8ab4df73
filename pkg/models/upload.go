package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	UploadStatusUploaded = "uploaded"
	UploadStatusRejected = "rejected"
)

// Upload is a raw customer CSV persisted to the object store.
// Immutable after creation except for Status.
type Upload struct {
	ID         int64     `db:"id"          json:"id"`
	TenantID   uuid.UUID `db:"tenant_id"   json:"tenant_id"`
	Filename   string    `db:"filename"    json:"filename"`
	ObjectKey  string    `db:"object_key"  json:"object_key"`
	SizeBytes  int64     `db:"size_bytes"  json:"size_bytes"`
	Status     string    `db:"status"      json:"status"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}
