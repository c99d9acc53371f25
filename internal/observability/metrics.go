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
			Namespace: "lifeline",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lifeline",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	networkUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "network",
			Name:      "up",
			Help:      "1 while the network is marked up, 0 while down.",
		},
	)
	networkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "network",
			Name:      "transitions_total",
			Help:      "Network status transitions.",
		},
		[]string{"to"},
	)
	probeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "network",
			Name:      "probes_total",
			Help:      "Health probe results while the network is down.",
		},
		[]string{"outcome"},
	)
	limboDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "limbo",
			Name:      "depth",
			Help:      "Requests currently suspended in limbo.",
		},
	)
	limboEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "limbo",
			Name:      "requests_total",
			Help:      "Suspended, replayed and abandoned requests.",
		},
		[]string{"event"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "bootstrap",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lifeline",
			Subsystem: "bootstrap",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	phaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "orchestrator",
			Name:      "phase",
			Help:      "1 for the current orchestrator phase, 0 otherwise.",
		},
		[]string{"phase"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Real-time channel lifecycle events.",
		},
		[]string{"event"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			networkUp, networkTransitions, probeResults,
			limboDepth, limboEvents,
			handshakes, handshakeDuration,
			phaseGauge, channelEvents,
		)
		networkUp.Set(1)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordNetworkStatus(up bool) {
	RegisterMetrics()
	if up {
		networkUp.Set(1)
		networkTransitions.WithLabelValues("up").Inc()
		return
	}
	networkUp.Set(0)
	networkTransitions.WithLabelValues("down").Inc()
}

func RecordProbe(outcome string) {
	RegisterMetrics()
	probeResults.WithLabelValues(outcome).Inc()
}

// RecordLimbo counts n requests for event and records the resulting queue depth.
func RecordLimbo(event string, n, depth int) {
	RegisterMetrics()
	if n > 0 {
		limboEvents.WithLabelValues(event).Add(float64(n))
	}
	limboDepth.Set(float64(depth))
}

func RecordHandshake(target, outcome string, duration time.Duration) {
	RegisterMetrics()
	handshakes.WithLabelValues(target, outcome).Inc()
	handshakeDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordPhase sets the gauge for current to 1 and every name in all to 0.
func RecordPhase(current string, all []string) {
	RegisterMetrics()
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		phaseGauge.WithLabelValues(name).Set(v)
	}
}

func RecordChannelEvent(event string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(event).Inc()
}
