// Package relaybus fans an outbound assistant message out to sibling
// relay processes over NATS, so a user's websocket connections spread
// across multiple relay instances all observe the same message. It
// has exactly one outbound concern (fan-in publish), so there is no
// subject family or message-type switch to speak of.
package relaybus

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

const outboundSubject = "pwa-chat.outbound"

type outboundEnvelope struct {
	Origin  string                 `json:"origin"`
	UserKey string                 `json:"userKey"`
	Message protocol.StoredMessage `json:"message"`
}

// Bus is a best-effort NATS client that publishes and subscribes on
// the single outbound subject. A nil *Bus (returned
// alongside a non-nil error from Connect, or simply not constructed)
// is valid to leave unwired — PublishOutbound is only ever called from
// dispatch.Dispatcher via the Publisher interface, which is itself
// allowed to be nil.
type Bus struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *log.Logger
	origin  string
}

// Connect dials url and returns a Bus. Connection-state transitions
// update m's relay_nats_connected gauge via nats.go's connection
// handlers. Each Bus mints a random origin id so Subscribe can ignore
// envelopes it published itself — NATS delivers a publish back to the
// publisher's own matching subscriptions, so without this a single
// process would double-broadcast every outbound message it sends.
func Connect(url string, m *metrics.Metrics, logger *log.Logger) (*Bus, error) {
	b := &Bus{metrics: m, logger: logger, origin: uuid.NewString()}

	conn, err := nats.Connect(url,
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Printf("relaybus: connected to %s", c.ConnectedUrl())
			m.SetNATSConnected(true)
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Printf("relaybus: disconnected: %v", err)
			m.SetNATSConnected(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("relaybus: reconnected to %s", c.ConnectedUrl())
			m.SetNATSConnected(true)
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Printf("relaybus: error: %v", err)
			m.Error("relaybus")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relaybus: connect to %s: %w", url, err)
	}

	b.conn = conn
	m.SetNATSConnected(true)
	return b, nil
}

// PublishOutbound implements dispatch.Publisher. Failures are logged
// and counted, never surfaced: cross-process fan-in is an enhancement
// over the single-process broadcast, not a correctness requirement.
func (b *Bus) PublishOutbound(userKey string, msg protocol.StoredMessage) {
	data, err := json.Marshal(outboundEnvelope{Origin: b.origin, UserKey: userKey, Message: msg})
	if err != nil {
		b.logger.Printf("relaybus: marshaling outbound envelope for %s: %v", userKey, err)
		return
	}
	if err := b.conn.Publish(outboundSubject, data); err != nil {
		b.logger.Printf("relaybus: publish failed for %s: %v", userKey, err)
		b.metrics.Error("relaybus_publish")
	}
}

// Subscribe registers handler for every outbound envelope published
// by a sibling relay process, so a locally-connected client of the
// same userKey is reached even though the message originated on
// another instance.
func (b *Bus) Subscribe(handler func(userKey string, msg protocol.StoredMessage)) error {
	_, err := b.conn.Subscribe(outboundSubject, func(natsMsg *nats.Msg) {
		var env outboundEnvelope
		if err := json.Unmarshal(natsMsg.Data, &env); err != nil {
			b.logger.Printf("relaybus: discarding malformed envelope: %v", err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		handler(env.UserKey, env.Message)
	})
	if err != nil {
		return fmt.Errorf("relaybus: subscribe: %w", err)
	}
	return nil
}

// Close shuts the connection down, best-effort.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	b.conn.Close()
	b.metrics.SetNATSConnected(false)
}

// Connected reports live connection state.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
