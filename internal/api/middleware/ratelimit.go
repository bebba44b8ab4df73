package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/churnwatch/internal/api/response"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit counts requests per API key in fixed one-minute windows.
// Counters live in the shared cache so every API replica sees the same budget.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

type RateLimitOption func(*RateLimit)

// WithRateLimitClock overrides time.Now for window bucketing.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(rl *RateLimit) { rl.now = now }
}

func NewRateLimit(c cache.Cache, requestsPerMin int, opts ...RateLimitOption) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	rl := &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Limit applies the budget of the key authenticated upstream. Requests with
// no key in context pass through; cache failures fail open.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		windowStart := now.Truncate(rateWindow)
		reset := windowStart.Add(rateWindow)

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix, windowStart.Unix()), rateWindow+time.Second)
		if err != nil {
			slog.Warn("rate limit check failed", "request_id", GetRequestID(r), "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			wait := int(reset.Sub(now).Seconds() + 0.999)
			h.Set("Retry-After", strconv.Itoa(max(wait, 1)))
			slog.Info("rate limited", "request_id", GetRequestID(r), "key_prefix", prefix, "count", count)
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimited, "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
