// Package metrics exposes the relay's Prometheus instrumentation:
// counters and gauges for connections, broadcasts, streaming
// sessions, history, and push delivery.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the relay's process-wide instrumentation handle. Each
// instance carries its own registry rather than registering against
// prometheus.DefaultRegisterer, so constructing more than one Metrics
// in the same process (as every package's tests do, one per test
// listener or dispatcher) never collides on metric names.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionErrors  prometheus.Counter
	connectionReject  prometheus.Counter

	messagesInbound  prometheus.Counter
	messagesOutbound prometheus.Counter
	broadcastsTotal  prometheus.Counter

	streamingActive  prometheus.Gauge
	streamingTimeout prometheus.Counter

	historyAppendErrors prometheus.Counter

	pushSendsTotal  prometheus.Counter
	pushSendsFailed prometheus.Counter
	pushPruned      prometheus.Counter

	usersTracked prometheus.Gauge

	errorsByType *prometheus.CounterVec

	goroutines prometheus.Gauge
	memoryRSS  prometheus.Gauge
	cpuPercent prometheus.Gauge

	natsConnected prometheus.Gauge

	mu              sync.RWMutex
	startTime       time.Time
	goroutinesVal   int
	memoryRSSVal    uint64
	cpuPercentVal   float64
	natsConnVal     bool
	streamingVal    int
	usersTrackedVal int
}

// New builds a fresh registry and registers the relay's metric set
// against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of currently open WebSocket connections.",
		}),
		connectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connection_errors_total",
			Help: "Total number of connection-level errors (upgrade failures, write failures).",
		}),
		connectionReject: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connection_rejections_total",
			Help: "Total number of connections rejected by the auth gate.",
		}),

		messagesInbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_inbound_total",
			Help: "Total number of user messages received.",
		}),
		messagesOutbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_outbound_total",
			Help: "Total number of assistant messages delivered.",
		}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total number of server events broadcast (seq-bearing).",
		}),

		streamingActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_streaming_sessions_active",
			Help: "Number of users currently mid-stream.",
		}),
		streamingTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_streaming_timeouts_total",
			Help: "Total number of streaming sessions ended by inactivity timeout rather than a final message.",
		}),

		historyAppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_history_append_errors_total",
			Help: "Total number of failed HistoryStore append operations.",
		}),

		pushSendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_push_sends_total",
			Help: "Total number of web push notifications attempted.",
		}),
		pushSendsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_push_sends_failed_total",
			Help: "Total number of web push notifications that failed (non-gone errors).",
		}),
		pushPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_push_subscriptions_pruned_total",
			Help: "Total number of push subscriptions removed after a gone response.",
		}),

		usersTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_users_tracked",
			Help: "Number of distinct UserKeys with live in-memory state.",
		}),

		errorsByType: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_goroutines",
			Help: "Current goroutine count.",
		}),
		memoryRSS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_memory_rss_bytes",
			Help: "Resident memory usage in bytes.",
		}),
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_cpu_percent",
			Help: "Smoothed host-wide CPU usage percentage.",
		}),

		natsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_nats_connected",
			Help: "1 if the outbound-push NATS fan-in is connected, 0 otherwise.",
		}),
	}
}

func (m *Metrics) ConnectionOpened()        { m.connectionsTotal.Inc(); m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed()        { m.connectionsActive.Dec() }
func (m *Metrics) ConnectionError()         { m.connectionErrors.Inc() }
func (m *Metrics) ConnectionRejected()      { m.connectionReject.Inc() }
func (m *Metrics) MessageInbound()          { m.messagesInbound.Inc() }
func (m *Metrics) MessageOutbound()         { m.messagesOutbound.Inc() }
func (m *Metrics) Broadcast()               { m.broadcastsTotal.Inc() }
func (m *Metrics) StreamingStarted() {
	m.streamingActive.Inc()
	m.mu.Lock()
	m.streamingVal++
	m.mu.Unlock()
}

func (m *Metrics) StreamingEnded() {
	m.streamingActive.Dec()
	m.mu.Lock()
	m.streamingVal--
	m.mu.Unlock()
}

func (m *Metrics) StreamingTimedOut()  { m.streamingTimeout.Inc() }
func (m *Metrics) HistoryAppendError() { m.historyAppendErrors.Inc() }
func (m *Metrics) PushSent()           { m.pushSendsTotal.Inc() }
func (m *Metrics) PushFailed()         { m.pushSendsFailed.Inc() }
func (m *Metrics) PushPruned()         { m.pushPruned.Inc() }

func (m *Metrics) SetUsersTracked(n int) {
	m.usersTracked.Set(float64(n))
	m.mu.Lock()
	m.usersTrackedVal = n
	m.mu.Unlock()
}

func (m *Metrics) Error(kind string) { m.errorsByType.WithLabelValues(kind).Inc() }
func (m *Metrics) SetGoroutines(n int) {
	m.goroutines.Set(float64(n))
	m.mu.Lock()
	m.goroutinesVal = n
	m.mu.Unlock()
}

func (m *Metrics) SetMemoryRSS(b uint64) {
	m.memoryRSS.Set(float64(b))
	m.mu.Lock()
	m.memoryRSSVal = b
	m.mu.Unlock()
}

func (m *Metrics) SetCPUPercent(p float64) {
	m.cpuPercent.Set(p)
	m.mu.Lock()
	m.cpuPercentVal = p
	m.mu.Unlock()
}

func (m *Metrics) SetNATSConnected(ok bool) {
	if ok {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
	m.mu.Lock()
	m.natsConnVal = ok
	m.mu.Unlock()
}

// Snapshot reports the most recently sampled system/NATS state, for
// the health endpoint.
func (m *Metrics) Snapshot() (goroutines int, memoryRSS uint64, cpuPercent float64, natsConnected bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.goroutinesVal, m.memoryRSSVal, m.cpuPercentVal, m.natsConnVal
}

// StreamingActiveCount reads the current value of the streaming-active
// gauge (test/inspection hook).
func (m *Metrics) StreamingActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamingVal
}

// UsersTrackedCount reads the current value of the users-tracked gauge
// (test/inspection hook).
func (m *Metrics) UsersTrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usersTrackedVal
}

// Uptime reports how long this Metrics instance has been alive.
func (m *Metrics) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// Handler serves this instance's metrics in the Prometheus exposition
// format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
