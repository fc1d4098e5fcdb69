package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "factory_engine"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Ingest counters (incremented directly by the coordinator).
var (
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_messages_total",
		Help:      "Total MQTT messages received.",
	})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_messages_dropped_total",
		Help:      "Messages dropped by reason.",
	}, []string{"reason"})

	DevicesAutoCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devices_auto_created_total",
		Help:      "Devices created on first telemetry sighting.",
	})

	ParametersDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parameters_discovered_total",
		Help:      "Device parameters discovered from telemetry.",
	})

	RuleDispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_dispatch_dropped_total",
		Help:      "Rule evaluation tasks dropped under queue back-pressure.",
	})

	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dead_lettered_total",
		Help:      "Messages written to the local dead-letter file after capped retries.",
	})
)

// Time-series writer.
var (
	PointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeseries_points_written_total",
		Help:      "Telemetry points flushed to the time-series store.",
	})

	FlushRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeseries_flush_retries_total",
		Help:      "Time-series flush attempts that failed and were retried.",
	})

	PointsSpooled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeseries_points_spooled_total",
		Help:      "Points written to the on-disk overflow spool.",
	})

	PointsShed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeseries_points_shed_total",
		Help:      "Unflushed points dropped because the overflow spool was full.",
	})

	TimestampsClamped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeseries_timestamps_clamped_total",
		Help:      "Samples whose future timestamps were clamped to ingest time.",
	})
)

// Work queues and alerting.
var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending tasks per named queue.",
	}, []string{"queue"})

	QueueDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dead_lettered_total",
		Help:      "Tasks moved to the dead-letter list per queue.",
	}, []string{"queue"})

	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_fired_total",
		Help:      "Alerts created, labelled by severity.",
	}, []string{"severity"})

	AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_suppressed_total",
		Help:      "Rule firings suppressed by an active cooldown.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MessagesTotal,
		MessagesDropped,
		DevicesAutoCreated,
		ParametersDiscovered,
		RuleDispatchDropped,
		DeadLettered,
		PointsWritten,
		FlushRetries,
		PointsSpooled,
		PointsShed,
		TimestampsClamped,
		QueueDepth,
		QueueDeadLettered,
		AlertsFired,
		AlertsSuppressed,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
