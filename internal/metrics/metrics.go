package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	EscrowReleases   *prometheus.CounterVec
	TransferRequests *prometheus.CounterVec
	TransferLatency  *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			EscrowReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escrow_release_total",
				Help:      "Escrow release outcomes by mode.",
			}, []string{"mode", "outcome"}),
			TransferRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_requests_total",
				Help:      "Transfer API requests by parameter shape and status.",
			}, []string{"shape", "status"}),
			TransferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_request_duration_seconds",
				Help:      "Latency distribution for transfer API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Payment webhook events by type and result.",
			}, []string{"type", "result"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Owner notifications by status.",
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.EscrowReleases,
			metricsInstance.TransferRequests,
			metricsInstance.TransferLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.Notifications,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
