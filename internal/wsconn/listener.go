package wsconn

import (
	"log"
	"net/http"

	"github.com/openclaw/pwa-chat-relay/internal/auth"
	"github.com/openclaw/pwa-chat-relay/internal/history"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/session"
)

// Listener accepts WebSocket upgrades on /ws and routes each accepted
// socket to the connection handler. Any path other than /ws is a 404;
// the control-surface endpoints live in internal/server.
type Listener struct {
	registry   *session.Registry
	history    *history.Store
	gate       *auth.Gate
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// NewListener builds a Listener. dispatcher may be nil during startup
// wiring; ServeHTTP skips dispatch (but still echoes and persists) in
// that case rather than panicking.
func NewListener(registry *session.Registry, store *history.Store, gate *auth.Gate, dispatcher Dispatcher, m *metrics.Metrics, logger *log.Logger) *Listener {
	return &Listener{
		registry:   registry,
		history:    store,
		gate:       gate,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	if !l.gate.Allow(r) {
		l.metrics.ConnectionRejected()
		auth.RejectWebSocket(w)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Printf("wsconn: upgrade error: %v", err)
		l.metrics.ConnectionError()
		return
	}

	go l.handleConnection(ws, r)
}
