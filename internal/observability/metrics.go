package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded on the controller side.
const (
	OutcomeOK        = "ok"
	OutcomeAppError  = "app_error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workerbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerbus",
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames posted on a channel.",
		},
		[]string{"side", "kind"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerbus",
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames delivered from a channel.",
		},
		[]string{"side", "kind"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workerbus",
			Subsystem: "controller",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workerbus",
			Subsystem: "controller",
			Name:      "request_duration_seconds",
			Help:      "Time from request send to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action", "outcome"},
	)
	busErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workerbus",
			Subsystem: "controller",
			Name:      "errors_total",
			Help:      "Protocol and worker runtime errors seen by the controller.",
		},
		[]string{"type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesSent,
			framesReceived,
			pendingRequests,
			requestDuration,
			busErrors,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameSent(side, kind string) {
	RegisterMetrics()
	framesSent.WithLabelValues(side, kind).Inc()
}

func RecordFrameReceived(side, kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(side, kind).Inc()
}

func AddPending(delta int) {
	RegisterMetrics()
	pendingRequests.Add(float64(delta))
}

func RecordRequest(action, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

func RecordBusError(kind string) {
	RegisterMetrics()
	busErrors.WithLabelValues(kind).Inc()
}
