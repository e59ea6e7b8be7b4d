// Package metrics exposes Prometheus collectors for the drive service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeRetry    = "retry"
)

// Metrics groups the service collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	compensations *prometheus.CounterVec
	reconcileJobs *prometheus.CounterVec
	viewCache     *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeit_uploads_total",
			Help: "Ingestion attempts by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storeit_upload_bytes_total",
			Help: "Bytes stored by successful ingestions.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeit_compensations_total",
			Help: "Compensating blob deletes by outcome.",
		}, []string{"outcome"}),
		reconcileJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeit_reconcile_jobs_total",
			Help: "Orphan blob reconciliation attempts by outcome.",
		}, []string{"outcome"}),
		viewCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeit_view_cache_requests_total",
			Help: "View cache lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uploads,
		m.uploadBytes,
		m.compensations,
		m.reconcileJobs,
		m.viewCache,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Upload(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess && bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Compensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcileJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ViewCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.viewCache.WithLabelValues(result).Inc()
}
