package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "connections_open",
			Help:      "Currently open WebSocket connections.",
		},
	)
	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections.",
		},
	)
	channelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "channels_active",
			Help:      "Channels with at least one member.",
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Commands waiting behind the in-flight slot, per channel.",
		},
		[]string{"channel"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "commands_total",
			Help:      "Terminal command outcomes.",
		},
		[]string{"outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "command_duration_seconds",
			Help:      "Enqueue-to-terminal command duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "rejections_total",
			Help:      "Commands rejected before dispatch, by error code.",
		},
		[]string{"code"},
	)
	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out while a channel had no target.",
		},
	)
	takeoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "session_takeovers_total",
			Help:      "Connections displaced by a reused session token.",
		},
	)
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "sweeps_total",
			Help:      "Periodic pending-table sweep runs.",
		},
	)
	sweptEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "relay",
			Name:      "swept_entries_total",
			Help:      "Pending entries purged by the sweeper.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchbay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patchbay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsOpen, connectionsTotal, channelsActive, queueDepth,
			commandsTotal, commandDuration, rejectionsTotal, broadcastsTotal,
			takeoversTotal, sweepsTotal, sweptEntries,
			httpRequests, httpDuration,
		)
	})
}

func RecordConnectionOpened() {
	RegisterMetrics()
	connectionsTotal.Inc()
	connectionsOpen.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	connectionsOpen.Dec()
}

func SetChannelsActive(n int) {
	RegisterMetrics()
	channelsActive.Set(float64(n))
}

func SetQueueDepth(channel string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(channel).Set(float64(depth))
}

// ForgetChannel drops per-channel series once the channel is destroyed.
func ForgetChannel(channel string) {
	RegisterMetrics()
	queueDepth.DeleteLabelValues(channel)
}

func RecordCommandOutcome(outcome string, duration time.Duration) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(outcome).Inc()
	commandDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordRejection(code string) {
	RegisterMetrics()
	rejectionsTotal.WithLabelValues(code).Inc()
}

func RecordBroadcast() {
	RegisterMetrics()
	broadcastsTotal.Inc()
}

func RecordSessionTakeover() {
	RegisterMetrics()
	takeoversTotal.Inc()
}

func RecordSweep(purged int) {
	RegisterMetrics()
	sweepsTotal.Inc()
	sweptEntries.Add(float64(purged))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
