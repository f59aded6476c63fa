// Package observability holds the Prometheus collectors of the bridge.
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
			Namespace: "relaybot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the webhook server.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaybot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broadcast",
			Name:      "dispatch_total",
			Help:      "Broadcast dispatch outcomes by status.",
		},
		[]string{"status"},
	)
	released = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "broadcast",
			Name:      "released_total",
			Help:      "Queued broadcasts released by the scheduled flush.",
		},
	)
	pushChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "push",
			Name:      "chunks_total",
			Help:      "Multicast chunks attempted, by result.",
		},
		[]string{"result"},
	)
	pushRecipients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "push",
			Name:      "recipients_total",
			Help:      "Recipients covered by successful multicast chunks.",
		},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Relay channel messages seen by the sync tick, by outcome.",
		},
		[]string{"outcome"},
	)
	relayTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "ticks_total",
			Help:      "Sync ticks by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, dispatches, released, pushChunks, pushRecipients, relayMessages, relayTicks)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(status string) {
	RegisterMetrics()
	dispatches.WithLabelValues(status).Inc()
}

func RecordRelease(n int) {
	RegisterMetrics()
	released.Add(float64(n))
}

func RecordPushChunk(size int, ok bool) {
	RegisterMetrics()
	if ok {
		pushChunks.WithLabelValues("ok").Inc()
		pushRecipients.Add(float64(size))
		return
	}
	pushChunks.WithLabelValues("failed").Inc()
}

func RecordRelayMessage(outcome string) {
	RegisterMetrics()
	relayMessages.WithLabelValues(outcome).Inc()
}

func RecordRelayTick(result string) {
	RegisterMetrics()
	relayTicks.WithLabelValues(result).Inc()
}
