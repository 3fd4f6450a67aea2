package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unetwork_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "route"},
	)

	// Ingestion metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_uploads_total",
			Help: "Uploaded blobs by outcome",
		},
		[]string{"outcome"},
	)

	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_classifications_total",
			Help: "Classifier calls by input mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ClassificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unetwork_classification_duration_seconds",
			Help:    "Classifier latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_blob_compensations_total",
			Help: "Compensating blob deletions by outcome",
		},
		[]string{"outcome"},
	)

	// Community metrics
	EngagementTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_engagement_total",
			Help: "View and download events by whether they were counted",
		},
		[]string{"kind", "counted"},
	)

	VotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_votes_total",
			Help: "Vote ledger mutations by action",
		},
		[]string{"action"},
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unetwork_reports_total",
			Help: "Report submissions by outcome",
		},
		[]string{"outcome"},
	)

	AutoHidesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unetwork_auto_hides_total",
			Help: "Materials hidden by the report threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UploadsTotal,
		ClassificationsTotal,
		ClassificationDuration,
		CompensationsTotal,
		EngagementTotal,
		VotesTotal,
		ReportsTotal,
		AutoHidesTotal,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records one HTTP request.
func RecordRequest(service, route, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, route, status).Inc()
	RequestDuration.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordEngagement counts a view or download attempt.
func RecordEngagement(kind string, counted bool) {
	EngagementTotal.WithLabelValues(kind, strconv.FormatBool(counted)).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labeled by the matched mux pattern so
// path parameters do not explode label cardinality.
func Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordRequest(service, route, strconv.Itoa(status), time.Since(start))
	})
}
