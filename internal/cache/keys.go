package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func PredictionStatusKey(predictionID uuid.UUID) string {
	return fmt.Sprintf("prediction:status:%s", predictionID)
}

func TenantKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// RateLimitKey names the counter for one API key in the window starting at windowUnix.
func RateLimitKey(keyPrefix string, windowUnix int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowUnix)
}
