package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/churnwatch/internal/api/handler"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPinger struct {
	err error
}

func (p *testPinger) Ping(context.Context) error { return p.err }

func serveHealth(t *testing.T, db, ca pinger, q queue.Queue) (int, map[string]any) {
	t.Helper()
	h := handler.NewHealthHandler(healthChecks(db, ca, q)...)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthChecks_AllOK(t *testing.T) {
	code, body := serveHealth(t, &testPinger{}, &testPinger{}, queue.NewMemoryQueue(time.Minute, 3))

	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
	assert.Equal(t, "ok", services["queue"])
}

func TestHealthChecks_Degraded(t *testing.T) {
	closed := queue.NewMemoryQueue(time.Minute, 3)
	require.NoError(t, closed.Close())

	tests := []struct {
		name    string
		db, ca  pinger
		q       queue.Queue
		failing string
	}{
		{"database", &testPinger{err: errors.New("connection refused")}, &testPinger{}, queue.NewMemoryQueue(time.Minute, 3), "database"},
		{"cache", &testPinger{}, &testPinger{err: errors.New("redis down")}, queue.NewMemoryQueue(time.Minute, 3), "cache"},
		{"queue", &testPinger{}, &testPinger{}, closed, "queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serveHealth(t, tt.db, tt.ca, tt.q)

			assert.Equal(t, http.StatusServiceUnavailable, code)
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "DEGRADED", errObj["code"])
			details := errObj["details"].(map[string]any)
			assert.Equal(t, "degraded", details[tt.failing])
		})
	}
}

func TestNewHTTPServer_Timeouts(t *testing.T) {
	srv := newHTTPServer(":0", http.NotFoundHandler(), 0)
	assert.Equal(t, 10*time.Second, srv.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Minute+30*time.Second, srv.WriteTimeout)

	srv = newHTTPServer(":0", http.NotFoundHandler(), 5*time.Second)
	assert.Equal(t, 10*time.Minute+5*time.Second, srv.WriteTimeout)
}

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("BLOBSTORE_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "memory")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
