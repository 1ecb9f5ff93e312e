// Package wsconn is the relay's transport layer: WebSocket upgrade,
// the per-socket read/write pumps, and the handshake/resync branch of
// the connection handler.
package wsconn

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // generous enough for a base64 image attachment
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to session.Client. It owns the
// outbound send channel and the write pump goroutine; the read loop
// runs on the caller's goroutine (see handler.go).
//
// closeMu and closed make an Enqueue that arrives after close a no-op
// instead of a send on a closed channel: close marks the Conn closed
// and closes send under the same lock Enqueue checks.
type Conn struct {
	ws      *websocket.Conn
	connID  string
	send    chan protocol.ServerEvent
	logger  *log.Logger
	metrics *metrics.Metrics

	closeMu sync.Mutex
	closed  bool
}

func newConn(ws *websocket.Conn, connID string, logger *log.Logger, m *metrics.Metrics) *Conn {
	return &Conn{
		ws:      ws,
		connID:  connID,
		send:    make(chan protocol.ServerEvent, sendBuffer),
		logger:  logger,
		metrics: m,
	}
}

// ConnectionID implements session.Client.
func (c *Conn) ConnectionID() string { return c.connID }

// Enqueue implements session.Client. It never blocks: a client whose
// send buffer is full is slow or gone, and is dropped rather than
// stalling the broadcaster's per-user lock. A Conn that has already
// been closed silently drops the event instead of sending on a closed
// channel.
func (c *Conn) Enqueue(ev protocol.ServerEvent) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		c.logger.Printf("wsconn: send buffer full for %s, dropping %s event", c.connID, ev.Type)
		if c.metrics != nil {
			c.metrics.Error("send_buffer_full")
		}
	}
}

// writePump owns all writes to the socket: outbound events and the
// periodic keepalive ping. Must run on its own goroutine.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
				if c.metrics != nil {
					c.metrics.ConnectionError()
				}
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeEvent(ev protocol.ServerEvent) error {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		c.logger.Printf("wsconn: encoding event for %s: %v", c.connID, err)
		return nil
	}
	// Encode appends a trailing newline; WriteMessage sends it as-is,
	// which is harmless framing for a JSON text message.
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// close marks the Conn closed and closes send, waking writePump. Safe
// to call more than once; only the first call has any effect, since a
// second close(c.send) would itself panic.
func (c *Conn) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
