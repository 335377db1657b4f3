package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeBusy      = "busy"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfers_total",
		Help: "Transfer requests by terminal outcome",
	}, []string{"outcome"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_duration_seconds",
		Help:    "End-to-end latency of Transfer calls",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"outcome"})

	TransferredMinorUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transferred_minor_units_total",
		Help: "Sum of amounts moved by completed transfers",
	})

	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfer_event_publish_failures_total",
		Help: "transfer.completed events that could not be published",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})
)
