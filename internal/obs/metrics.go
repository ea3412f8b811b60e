package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Lifecycle engine metrics.
var (
	grantTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jit_grant_transitions_total",
			Help: "Grant state transitions applied by the scheduler.",
		},
		[]string{"from", "to"},
	)

	schedulerPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jit_scheduler_pass_duration_seconds",
			Help:    "Duration of a single scheduler pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	schedulerBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jit_scheduler_backlog",
			Help: "Due grants observed at the start of the last pass.",
		},
		[]string{"kind"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jit_notifications_total",
			Help: "Notification deliveries by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

var readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "service_ready",
	Help: "1 when the service considers itself ready.",
})

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build information for the running binary.",
	},
	[]string{"version", "commit"},
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		grantTransitionsTotal, schedulerPassDuration, schedulerBacklog,
		notificationsTotal, readyGauge, buildInfo,
	)
}

// InitBuildInfo stamps the build_info gauge for the running binary.
func InitBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// GrantTransition records one applied state transition.
func GrantTransition(from, to string) {
	grantTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SchedulerPass records the duration and observed backlog of a pass.
func SchedulerPass(kind string, backlog int, d time.Duration) {
	schedulerBacklog.WithLabelValues(kind).Set(float64(backlog))
	schedulerPassDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Notification records one delivery attempt outcome.
func Notification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
