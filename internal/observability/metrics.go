package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phinix",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "transport",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped without reaching a handler.",
		},
		[]string{"side", "reason"},
	)
	packetsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "transport",
			Name:      "packets_dispatched_total",
			Help:      "Inbound packets delivered to a registered handler.",
		},
		[]string{"side", "module"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "phinix",
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Established transport connections.",
		},
		[]string{"side"},
	)
	envelopeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "protocol",
			Name:      "envelope_rejections_total",
			Help:      "Envelopes rejected by packet validation.",
		},
		[]string{"module", "reason"},
	)
	authResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "auth",
			Name:      "results_total",
			Help:      "Authenticate outcomes by failure reason.",
		},
		[]string{"success", "reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phinix",
			Subsystem: "auth",
			Name:      "sessions_authenticated",
			Help:      "Sessions currently in the authenticated state.",
		},
	)
	sessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phinix",
			Subsystem: "auth",
			Name:      "sessions_expired_total",
			Help:      "Sessions that lapsed without extension.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			packetsDropped,
			packetsDispatched,
			connectionsActive,
			envelopeRejections,
			authResults,
			sessionsActive,
			sessionsExpired,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacketDropped(side, reason string) {
	RegisterMetrics()
	packetsDropped.WithLabelValues(side, reason).Inc()
}

func RecordPacketDispatched(side, module string) {
	RegisterMetrics()
	packetsDispatched.WithLabelValues(side, module).Inc()
}

func AddActiveConnections(side string, delta float64) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(side).Add(delta)
}

func RecordEnvelopeRejected(module, reason string) {
	RegisterMetrics()
	envelopeRejections.WithLabelValues(module, reason).Inc()
}

func RecordAuthResult(success bool, reason string) {
	RegisterMetrics()
	authResults.WithLabelValues(strconv.FormatBool(success), reason).Inc()
}

func SetAuthenticatedSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordSessionExpired() {
	RegisterMetrics()
	sessionsExpired.Inc()
}
