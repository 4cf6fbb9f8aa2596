// Package metrics exposes Prometheus instrumentation for the dispatch
// pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_campaigns_enqueued_total",
			Help: "Campaigns moved out of draft by tenant",
		},
		[]string{"tenant_id"},
	)

	sendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_send_outcomes_total",
			Help: "Recipient sends settled by outcome",
		},
		[]string{"outcome"},
	)

	sendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_send_retries_total",
			Help: "Send attempts scheduled for retry",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Time spent in the email provider per send",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	queueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_waiting_jobs",
			Help: "Jobs waiting or delayed in the dispatch queue",
		},
	)

	queueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_active_jobs",
			Help: "Jobs currently claimed by workers",
		},
	)

	trackingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tracking_signals_total",
			Help: "Open and ack signals received",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCampaignEnqueued records a campaign leaving DRAFT.
func RecordCampaignEnqueued(tenantID string) {
	campaignsEnqueued.WithLabelValues(tenantID).Inc()
}

// RecordDispatchOutcome records a settled recipient send ("sent" or "failed").
func RecordDispatchOutcome(outcome string) {
	sendOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDispatchRetry records a send attempt pushed to the retry schedule.
func RecordDispatchRetry() {
	sendRetries.Inc()
}

// ObserveSendDuration records one provider round trip.
func ObserveSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// SetQueueDepth publishes current queue gauges.
func SetQueueDepth(waiting, active int64) {
	queueWaiting.Set(float64(waiting))
	queueActive.Set(float64(active))
}

// RecordTrackingSignal records an open or ack signal.
func RecordTrackingSignal(kind string) {
	trackingSignals.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
