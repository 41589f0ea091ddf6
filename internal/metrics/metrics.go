package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for BatchesSubmitted.
const (
	OutcomeSuccess            = "success"
	OutcomeError              = "error"
	OutcomeServiceUnavailable = "service_unavailable"
	OutcomePaymentRequired    = "payment_required"
	OutcomeUnauthenticated    = "unauthenticated"
	OutcomeNotFound           = "not_found"
	OutcomeFailed             = "failed"
)

var (
	// Events persisted by Enqueue
	EventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_events_enqueued_total",
			Help: "Total number of events persisted to the queue",
		},
	)

	// Events dropped while the discard window was open
	EventsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_events_discarded_total",
			Help: "Total number of events dropped at enqueue time",
		},
	)

	EnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_enqueue_errors_total",
			Help: "Total number of failed store writes on enqueue",
		},
	)

	// Batches submitted, by classified outcome
	BatchesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventqueue_batches_submitted_total",
			Help: "Total number of batches submitted by outcome",
		},
		[]string{"outcome"},
	)

	EventsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_events_submitted_total",
			Help: "Total number of events accepted by the remote endpoint",
		},
	)

	// Drain cycles that exited early
	CyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventqueue_cycles_skipped_total",
			Help: "Total number of drain cycles skipped by reason",
		},
		[]string{"reason"},
	)

	CycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_cycle_errors_total",
			Help: "Total number of drain cycles that failed on the store",
		},
	)

	Suspensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventqueue_suspensions_total",
			Help: "Total number of processing suspensions by reason",
		},
		[]string{"reason"},
	)

	ItemsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventqueue_items_purged_total",
			Help: "Total number of stored items removed by purges",
		},
	)

	// Submit round trip
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventqueue_submit_duration_seconds",
			Help:    "Time taken to submit one batch",
			Buckets: prometheus.DefBuckets,
		},
	)
)
