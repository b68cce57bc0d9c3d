package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cronrelay_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cronrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cronrelay_executions_total",
			Help: "Job executions by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cronrelay_execution_duration_seconds",
			Help:    "Duration of outbound job calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DispatchSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cronrelay_dispatch_skipped_total",
			Help: "Due jobs that were not executed, by reason.",
		},
		[]string{"reason"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cronrelay_quota_denials_total",
			Help: "Quota checks that denied an action, by kind.",
		},
		[]string{"kind"},
	)
)

// QueueStats is implemented by the background effects queue.
type QueueStats interface {
	Depth() int
	Failed() int64
	Dropped() int64
}

// RegisterQueue exposes the background queue's state. Call once per process.
func RegisterQueue(q QueueStats) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cronrelay_background_queue_depth",
		Help: "Tasks waiting in the background effects queue.",
	}, func() float64 { return float64(q.Depth()) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "cronrelay_background_tasks_failed_total",
		Help: "Background tasks that failed after all retries.",
	}, func() float64 { return float64(q.Failed()) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "cronrelay_background_tasks_dropped_total",
		Help: "Background tasks dropped because the queue was full.",
	}, func() float64 { return float64(q.Dropped()) })
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
