package wsconn

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/pwa-chat-relay/internal/idgen"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
	"github.com/openclaw/pwa-chat-relay/internal/session"
)

// Dispatcher is the capability ConnectionHandler hands an inbound user
// message to once it has been echoed and persisted. Implemented by
// internal/dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(userKey, text string, images []protocol.ImageAttachment)
}

func (l *Listener) handleConnection(ws *websocket.Conn, r *http.Request) {
	defer ws.Close()
	tuneTCP(ws.UnderlyingConn())

	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		userID = "default"
	}
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		sessionID = "default"
	}
	userKey := session.Key(userID, sessionID)
	u := l.registry.Get(userKey)

	incomingConnID := q.Get("connection_id")
	incomingSeq, hasSeq := parseSeq(q.Get("sequence_number"))

	var connID string
	canCatchUp := u.ResyncDecision(incomingConnID, incomingSeq, hasSeq)
	if canCatchUp {
		connID = incomingConnID
	} else {
		connID = idgen.NewConnectionID()
	}

	conn := newConn(ws, connID, l.logger, l.metrics)
	u.Register(conn)
	l.metrics.ConnectionOpened()
	defer func() {
		u.Unregister(conn)
		conn.close()
		l.metrics.ConnectionClosed()
	}()

	go conn.writePump()

	conn.Enqueue(u.Hello(connID))
	if canCatchUp {
		for _, ev := range u.ReplaySince(incomingSeq) {
			conn.Enqueue(ev)
		}
	} else {
		l.emitFullSync(u, userKey)
	}

	l.readLoop(ws, u, userKey, conn)
}

// emitFullSync broadcasts the user's persisted history and, if a
// reply is mid-stream, the current streaming text. Both are
// seq-bearing and buffered like any other broadcast: every connected
// client of this user, not only the one that triggered resync,
// observes them, since Broadcast is the only path that mutates
// sequence/buffer state.
func (l *Listener) emitFullSync(u *session.UserState, userKey string) {
	u.Broadcast(protocol.History(l.history.ReadHistory(userKey)))
	if text, streaming := u.StreamingSnapshot(); streaming {
		u.Broadcast(protocol.Streaming(text))
	}
}

func (l *Listener) readLoop(ws *websocket.Conn, u *session.UserState, userKey string, conn *Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var ev protocol.ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue // malformed: ignore silently, no disconnect
		}

		switch ev.Type {
		case protocol.ClientEventPing:
			session.SendPong(conn)
		case protocol.ClientEventResync:
			l.emitFullSync(u, userKey)
		case protocol.ClientEventMessage:
			l.handleInboundMessage(u, userKey, ev)
		default:
			// unknown type: ignore silently
		}
	}
}

func (l *Listener) handleInboundMessage(u *session.UserState, userKey string, ev protocol.ClientEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Images) == 0 {
		return
	}

	msg := protocol.StoredMessage{
		ID:        idgen.NextMessageID("in"),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Role:      protocol.RoleUser,
	}
	if len(ev.Images) > 0 {
		msg.HasImages = true
		msg.ImageCount = len(ev.Images)
	}

	if err := l.history.AppendMessage(userKey, msg); err != nil {
		l.logger.Printf("wsconn: history append failed for %s: %v", userKey, err)
		l.metrics.HistoryAppendError()
	}

	u.Broadcast(protocol.Message(msg))
	l.metrics.MessageInbound()
	l.metrics.Broadcast()

	if l.dispatcher != nil {
		go l.dispatcher.Dispatch(userKey, text, ev.Images)
	}
}

func parseSeq(raw string) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
