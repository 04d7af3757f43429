package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mobius",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held by the host.",
		},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobius",
			Subsystem: "sessions",
			Name:      "lifecycle_total",
			Help:      "Session lifecycle transitions.",
		},
		[]string{"event"},
	)
	clientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mobius",
			Subsystem: "clients",
			Name:      "active",
			Help:      "Physical clients attached to sessions.",
		},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobius",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Messages exchanged with clients.",
		},
		[]string{"direction", "transport"},
	)
	messageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mobius",
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Time spent answering client requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	workerCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobius",
			Subsystem: "workers",
			Name:      "commands_total",
			Help:      "Commands routed across the worker bridge.",
		},
		[]string{"worker", "method", "direction"},
	)
	workersAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mobius",
			Subsystem: "workers",
			Name:      "attached",
			Help:      "Worker processes attached to the host.",
		},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobius",
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Broadcast messages published.",
		},
		[]string{"origin"},
	)
)

// RegisterMetrics registers every collector with the default registry once
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionEvents, clientsActive, messages,
			messageDuration, workerCommands, workersAttached, broadcasts)
	})
}

// Handler serves the registered metrics
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// RecordSessionEvent counts a lifecycle transition and keeps the active gauge in step
func RecordSessionEvent(event string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(event).Inc()
	switch event {
	case "created":
		sessionsActive.Inc()
	case "destroyed":
		sessionsActive.Dec()
	}
}

// RecordClientAttached adjusts the attached client gauge
func RecordClientAttached(delta int) {
	RegisterMetrics()
	clientsActive.Add(float64(delta))
}

// RecordMessage counts a message in or out over a transport
func RecordMessage(direction, transport string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, transport).Inc()
}

// RecordRequest observes how long a client request took
func RecordRequest(method string, status int, duration time.Duration) {
	RegisterMetrics()
	messageDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordWorkerCommand counts a command crossing the worker bridge
func RecordWorkerCommand(worker int, method, direction string) {
	RegisterMetrics()
	workerCommands.WithLabelValues(strconv.Itoa(worker), method, direction).Inc()
}

// RecordWorkerAttached adjusts the attached worker gauge
func RecordWorkerAttached(delta int) {
	RegisterMetrics()
	workersAttached.Add(float64(delta))
}

// RecordBroadcast counts a published broadcast
func RecordBroadcast(origin string) {
	RegisterMetrics()
	broadcasts.WithLabelValues(origin).Inc()
}
