package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DispatchedTotal     *prometheus.CounterVec
	DispatchDuration    prometheus.Histogram
	QueueDepth          *prometheus.GaugeVec
	WebhooksTotal       *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	ReapedLeasesTotal   prometheus.Counter
	PollerUpdatesTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		DispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_dispatched_total",
				Help: "Total number of queue items dispatched, by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sms_dispatch_duration_seconds",
				Help:    "Per-item dispatch duration including the carrier call",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sms_queue_depth",
				Help: "Queue items by status",
			},
			[]string{"status"},
		),
		WebhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_webhooks_total",
				Help: "Delivery receipt webhooks, by result",
			},
			[]string{"result"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_retries_total",
				Help: "Retry attempts scheduled, by reason",
			},
			[]string{"reason"},
		),
		ReapedLeasesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sms_reaped_leases_total",
				Help: "Stuck processing leases returned to pending",
			},
		),
		PollerUpdatesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sms_poller_updates_total",
				Help: "Delivery statuses reconciled by the status poller",
			},
		),
	}
}
