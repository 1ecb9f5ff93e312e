// Package dispatch implements the InboundDispatcher: one invocation
// per user message, bridging a ConnectionHandler's inbound text to
// the AgentRuntime and the agent's streamed reply back out through
// StreamingController and Broadcaster.
package dispatch

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/pwa-chat-relay/internal/agentruntime"
	"github.com/openclaw/pwa-chat-relay/internal/history"
	"github.com/openclaw/pwa-chat-relay/internal/idgen"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
	"github.com/openclaw/pwa-chat-relay/internal/session"
)

// PushSink is the capability InboundDispatcher uses to notify a user
// with no live sockets. Implemented by internal/push.Sink.
type PushSink interface {
	SendPush(userKey, title, body, tag string)
}

// Publisher fans an outbound message out to other relay processes.
// Implemented by internal/relaybus.Bus; nil disables cross-process fan-in.
type Publisher interface {
	PublishOutbound(userKey string, msg protocol.StoredMessage)
}

// Dispatcher is the InboundDispatcher. One is constructed for the
// whole process; Dispatch is safe to call concurrently for different
// (or the same) userKey — dispatches are intentionally not serialized
// per user, so two inbound messages from the same user may be
// in-flight against the agent runtime at once.
type Dispatcher struct {
	registry  *session.Registry
	history   *history.Store
	push      PushSink
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// New builds a Dispatcher. push and publisher may be nil.
func New(registry *session.Registry, store *history.Store, push PushSink, publisher Publisher, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		history:   store,
		push:      push,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch resolves agent routing for userKey, drives the injected
// AgentRuntime, and streams its output back through the user's
// StreamingController and Broadcaster. It performs a safety flush,
// delivering whatever text accumulated, if the runtime never
// explicitly signaled "final".
func (d *Dispatcher) Dispatch(userKey, text string, images []protocol.ImageAttachment) {
	rt := agentruntime.Get()
	u := d.registry.Get(userKey)

	if _, err := rt.ResolveRoute(userKey); err != nil {
		d.logger.Printf("dispatch: resolving route for %s: %v", userKey, err)
		return
	}

	envelope := rt.FormatInbound(userKey, text, images)
	ctx := rt.FinalizeContext(envelope)
	if err := rt.RecordSessionMetadata(ctx, userKey); err != nil {
		d.logger.Printf("dispatch: recording session metadata for %s: %v", userKey, err)
	}

	var (
		mu             sync.Mutex
		accumulated    strings.Builder
		finalDelivered bool
	)

	deliver := func(chunk string, info agentruntime.DeliverInfo) {
		mu.Lock()
		defer mu.Unlock()

		switch info.Kind {
		case agentruntime.KindBlock:
			if chunk == "" {
				return
			}
			accumulated.WriteString(chunk)
			u.SetStreamingText(accumulated.String())
		case agentruntime.KindFinal:
			accumulated.WriteString(chunk)
			finalDelivered = true
			if accumulated.Len() > 0 {
				d.PushOutboundMessage(userKey, accumulated.String(), "")
				u.EndStreaming()
			}
		}
	}

	onError := func(err error, info agentruntime.DeliverInfo) {
		d.logger.Printf("dispatch: agent error for %s: %v", userKey, err)
		d.metrics.Error("agent_dispatch")
	}

	rt.Dispatch(ctx, deliver, onError)

	mu.Lock()
	needsFlush := !finalDelivered && accumulated.Len() > 0
	flushText := accumulated.String()
	mu.Unlock()

	if needsFlush {
		d.PushOutboundMessage(userKey, flushText, "")
		u.EndStreaming()
	}
}

// PushOutboundMessage persists an assistant message, broadcasts it to
// userKey's live clients, fans it out to other relay processes, and —
// if nobody is listening — fires a push notification. target may
// carry a "pwa-chat:" prefix, stripped before use; this is the single
// entry point an external caller handing text to the relay directly,
// skipping the agent entirely, uses as well.
func (d *Dispatcher) PushOutboundMessage(target, text, mediaURL string) {
	userKey := strings.TrimPrefix(target, "pwa-chat:")
	u := d.registry.Get(userKey)

	msg := protocol.StoredMessage{
		ID:        idgen.NextMessageID("out"),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Role:      protocol.RoleAssistant,
		MediaURL:  mediaURL,
	}

	if err := d.history.AppendMessage(userKey, msg); err != nil {
		d.logger.Printf("dispatch: history append failed for %s: %v", userKey, err)
		d.metrics.HistoryAppendError()
	}

	u.Broadcast(protocol.Message(msg))
	d.metrics.MessageOutbound()
	d.metrics.Broadcast()

	if d.publisher != nil {
		d.publisher.PublishOutbound(userKey, msg)
	}

	if d.push != nil && u.ClientCount() == 0 {
		body := truncateWithEllipsis(text, 100)
		go d.push.SendPush(userKey, "New message", body, "pwa-chat")
	}
}

func truncateWithEllipsis(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
