package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads a counter sample from the registry by family name and label set.
func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.Upload("accepted", 2048)
	r.Upload("too_large", 0)
	r.Publish("ok")
	r.Publish("ok")
	r.SweepRepublished(3)
	r.SweepExpired(2)
	r.Message("completed")
	r.Prediction("COMPLETED", 2*time.Second, 40)
	r.Mapping("imputed", 5)
	r.Mapping("clamped", 0)

	assert.Equal(t, 1.0, counterValue(t, r, "churnwatch_uploads_total", map[string]string{"outcome": "accepted"}))
	assert.Equal(t, 1.0, counterValue(t, r, "churnwatch_uploads_total", map[string]string{"outcome": "too_large"}))
	assert.Equal(t, 2.0, counterValue(t, r, "churnwatch_publish_total", map[string]string{"outcome": "ok"}))
	assert.Equal(t, 3.0, counterValue(t, r, "churnwatch_sweep_republished_total", nil))
	assert.Equal(t, 2.0, counterValue(t, r, "churnwatch_sweep_expired_total", nil))
	assert.Equal(t, 1.0, counterValue(t, r, "churnwatch_worker_messages_total", map[string]string{"outcome": "completed"}))
	assert.Equal(t, 40.0, counterValue(t, r, "churnwatch_rows_processed_total", nil))
	assert.Equal(t, 5.0, counterValue(t, r, "churnwatch_mapping_events_total", map[string]string{"kind": "imputed"}))
	assert.Equal(t, 0.0, counterValue(t, r, "churnwatch_mapping_events_total", map[string]string{"kind": "clamped"}))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Upload("accepted", 1)
		r.Publish("ok")
		r.SweepRepublished(1)
		r.SweepExpired(1)
		r.Message("completed")
		r.Prediction("FAILED", time.Second, 0)
		r.Op("queue.receive", "ok", time.Millisecond)
		r.Mapping("imputed", 1)
	})
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.Op("blob.put", "ok", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "churnwatch_op_duration_seconds")
	assert.Contains(t, string(body), `op="blob.put"`)
}
