package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	UpdatesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damlgraph_updates_received_total",
			Help: "Total number of ledger updates received by kind",
		},
		[]string{"kind"},
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "damlgraph_stream_reconnects_total",
			Help: "Total number of update-stream reconnects",
		},
	)

	// Writer metrics
	BatchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "damlgraph_batches_flushed_total",
			Help: "Total number of mutation batches committed to the graph store",
		},
	)

	StatementsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "damlgraph_statements_flushed_total",
			Help: "Total number of statements committed to the graph store",
		},
	)

	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "damlgraph_batch_flush_duration_seconds",
			Help:    "Time to commit one mutation batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommittedOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "damlgraph_committed_offset",
			Help: "Highest ledger offset committed to the graph store",
		},
	)

	// Auth metrics
	TokenRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "damlgraph_token_refreshes_total",
			Help: "Total number of bearer-token refreshes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UpdatesReceivedTotal)
	prometheus.MustRegister(StreamReconnectsTotal)
	prometheus.MustRegister(BatchesFlushedTotal)
	prometheus.MustRegister(StatementsFlushedTotal)
	prometheus.MustRegister(BatchFlushDuration)
	prometheus.MustRegister(CommittedOffset)
	prometheus.MustRegister(TokenRefreshesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr. It blocks; callers run it in a
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
