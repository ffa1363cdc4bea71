package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oku_ride"

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created"})
	SlotConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "slot_conflicts_total", Help: "Bookings or assignments rejected because the driver was busy"})
	StaleRetries    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_retries_total", Help: "Optimistic concurrency retries"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state machine actions by outcome"},
		[]string{"action", "result"},
	)
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver assignment ledger operations by outcome"},
		[]string{"op", "result"},
	)

	PingsIngested   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pings_ingested_total", Help: "Location pings accepted"})
	PingStoreErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ping_store_errors_total", Help: "Location pings that could not be stored"})
	Subscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_subscribers", Help: "Open realtime subscriptions"})
	SlowEvictions   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "realtime_evictions_total", Help: "Subscribers dropped for not keeping up"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events delivered to an outbound sink"},
		[]string{"sink"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events an outbound sink could not take"},
		[]string{"sink"},
	)

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate ranking latency seconds"})

	PaymentOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_operations_total", Help: "Fare hold, capture and cancel calls by outcome"},
		[]string{"op", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Result labels an operation outcome for the counters above.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
