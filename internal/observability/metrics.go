package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telex_connections_active",
			Help: "Open ingestion connections",
		},
	)

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telex_frames_received_total",
			Help: "Non-empty frames read from ingestion connections",
		},
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telex_frames_rejected_total",
			Help: "Frames rejected before reaching the message handler",
		},
		[]string{"reason"}, // "utf8", "json", "validation", "size"
	)

	HandlerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telex_handler_errors_total",
			Help: "Message handler invocations that returned an error or panicked",
		},
	)

	MessagesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telex_messages_enqueued_total",
			Help: "Messages written to the relay queue",
		},
	)

	MessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telex_messages_duplicate_total",
			Help: "Messages dropped because their ID was already seen",
		},
	)

	CollectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telex_gc_runs_total",
			Help: "Garbage collection passes",
		},
		[]string{"result"}, // "ok" or "error"
	)

	CollectorDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telex_gc_deleted_total",
			Help: "Queue rows removed for exceeding the TTL",
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telex_store_latency_seconds",
			Help:    "SQLite operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op"},
	)
)

// ObserveStore records the time elapsed since start against op.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
