package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger debits and credits by reason and outcome.",
		},
		[]string{"op", "reason", "outcome"},
	)

	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "ledger",
			Name:      "compensations_total",
			Help:      "Compensating credits by path (inline, outbox, relay) and outcome.",
		},
		[]string{"path", "outcome"},
	)

	feedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engagement",
			Subsystem: "feed",
			Name:      "assemble_duration_seconds",
			Help:      "Duration of feed page assembly.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"cache"},
	)

	reactionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "reactions",
			Name:      "events_total",
			Help:      "Reaction change-stream events by reconcile result.",
		},
		[]string{"result"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "notifications",
			Name:      "dispatched_total",
			Help:      "Notification dispatch outcomes.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerOps,
		compensations,
		feedDuration,
		reactionEvents,
		notificationsSent,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLedgerOp counts a ledger operation.
func RecordLedgerOp(op, reason, outcome string) {
	ledgerOps.WithLabelValues(op, reason, outcome).Inc()
}

// RecordCompensation counts a compensating credit attempt.
func RecordCompensation(path string, success bool) {
	outcome := "failed"
	if success {
		outcome = "applied"
	}
	compensations.WithLabelValues(path, outcome).Inc()
}

// RecordFeedAssembly records how long a feed page took to build.
func RecordFeedAssembly(cacheHit bool, duration time.Duration) {
	if duration <= 0 {
		duration = time.Microsecond
	}
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	feedDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordReactionEvent counts a reconciled (or ignored) change-stream event.
func RecordReactionEvent(result string) {
	reactionEvents.WithLabelValues(result).Inc()
}

// RecordNotification counts a notification dispatch outcome.
func RecordNotification(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	notificationsSent.WithLabelValues(kind, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses numeric path segments so post ids do not explode
// label cardinality.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
