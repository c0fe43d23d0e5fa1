// Package metrics exposes Prometheus metrics for the sync engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // inkvault_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // inkvault_request_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // inkvault_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // inkvault_bytes_downloaded_total

	UploadSessions prometheus.Gauge // inkvault_upload_sessions_active
	SyncLocksHeld  prometheus.Gauge // inkvault_sync_locks_held

	RecyclePurged prometheus.Counter // inkvault_recycle_purged_total
	NoncesSwept   prometheus.Counter // inkvault_nonces_swept_total
	QuotaDrift    prometheus.Counter // inkvault_quota_drift_corrections_total
}

// Init initializes all metrics. Metrics are only registered once;
// subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		instance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "inkvault_requests_total",
				Help: "Total sync operations by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "inkvault_request_duration_seconds",
				Help:    "Sync operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "inkvault_bytes_uploaded_total",
				Help: "Total plaintext bytes committed through uploads",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "inkvault_bytes_downloaded_total",
				Help: "Total plaintext bytes served through downloads",
			}),

			UploadSessions: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "inkvault_upload_sessions_active",
				Help: "Currently open upload sessions",
			}),

			SyncLocksHeld: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "inkvault_sync_locks_held",
				Help: "Currently held device sync locks",
			}),

			RecyclePurged: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "inkvault_recycle_purged_total",
				Help: "Files permanently removed by recycle retention",
			}),

			NoncesSwept: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "inkvault_nonces_swept_total",
				Help: "Expired signed-url nonces reaped by the sweeper",
			}),

			QuotaDrift: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "inkvault_quota_drift_corrections_total",
				Help: "Quota rows corrected by reconciliation",
			}),
		}
	})
	return instance
}

// Get returns the singleton metrics instance, or nil before Init.
func Get() *Metrics {
	return instance
}

// RecordRequest records one operation outcome.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}
