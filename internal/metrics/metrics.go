// Package metrics exposes Prometheus collectors for ingress, the publisher and the worker.
//
// All recording methods are safe on a nil *Recorder so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "churnwatch"

// Recorder owns a private registry so tests can build as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	uploadsTotal       *prometheus.CounterVec
	uploadBytes        prometheus.Histogram
	publishTotal       *prometheus.CounterVec
	sweepRepublished   prometheus.Counter
	sweepExpired       prometheus.Counter
	messagesTotal      *prometheus.CounterVec
	predictionDuration *prometheus.HistogramVec
	rowsProcessed      prometheus.Counter
	opDuration         *prometheus.HistogramVec
	mappingEvents      *prometheus.CounterVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload submissions by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Job message publications by outcome.",
		}, []string{"outcome"}),
		sweepRepublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_republished_total",
			Help:      "Stranded predictions re-published by the sweeper.",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Stalled predictions failed by the sweeper.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Queue messages handled by the worker, by outcome.",
		}, []string{"outcome"}),
		predictionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Wall-clock time from claim to terminal commit.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_processed_total",
			Help:      "Rows scored by the worker.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Duration of blocking operations (object store, database, queue, inference).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		mappingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_events_total",
			Help:      "Column mapping corrections: imputed, unknown_level, clamped.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		r.uploadsTotal,
		r.uploadBytes,
		r.publishTotal,
		r.sweepRepublished,
		r.sweepExpired,
		r.messagesTotal,
		r.predictionDuration,
		r.rowsProcessed,
		r.opDuration,
		r.mappingEvents,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Upload(outcome string, size int64) {
	if r == nil {
		return
	}
	r.uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		r.uploadBytes.Observe(float64(size))
	}
}

func (r *Recorder) Publish(outcome string) {
	if r == nil {
		return
	}
	r.publishTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SweepRepublished(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweepRepublished.Add(float64(n))
}

func (r *Recorder) SweepExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweepExpired.Add(float64(n))
}

// Message counts a worker outcome: completed, failed, skipped, dropped, released.
func (r *Recorder) Message(outcome string) {
	if r == nil {
		return
	}
	r.messagesTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Prediction(status string, d time.Duration, rows int) {
	if r == nil {
		return
	}
	r.predictionDuration.WithLabelValues(status).Observe(d.Seconds())
	if rows > 0 {
		r.rowsProcessed.Add(float64(rows))
	}
}

// Op records a suspension point.
func (r *Recorder) Op(op, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.opDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (r *Recorder) Mapping(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mappingEvents.WithLabelValues(kind).Add(float64(n))
}
