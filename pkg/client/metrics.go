package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for Bitrix24 client operations.
var (
	b24RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_requests_total",
		Help: "Total Bitrix24 HTTP attempts by method and status",
	}, []string{"method", "status"})

	b24RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_request_duration_seconds",
		Help:    "Bitrix24 logical call duration in seconds by method, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	b24ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_errors_total",
		Help: "Total Bitrix24 attempt errors by class",
	}, []string{"class"})

	b24RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	b24RetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	b24RetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	b24PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_pages_fetched_total",
		Help: "Total number of list pages fetched by method",
	}, []string{"method"})

	b24BatchGroupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_batch_groups_total",
		Help: "Total number of batch groups dispatched",
	})

	b24InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "b24_inflight_requests",
		Help: "Number of HTTP requests currently awaiting a response",
	})
)
