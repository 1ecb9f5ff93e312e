package wsconn

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/pwa-chat-relay/internal/auth"
	"github.com/openclaw/pwa-chat-relay/internal/history"
	"github.com/openclaw/pwa-chat-relay/internal/idgen"
	"github.com/openclaw/pwa-chat-relay/internal/logging"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
	"github.com/openclaw/pwa-chat-relay/internal/session"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) Dispatch(userKey, text string, images []protocol.ImageAttachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userKey+":"+text)
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestListener(t *testing.T) (*Listener, *fakeDispatcher) {
	t.Helper()
	logger := logging.New("TEST")
	m := metrics.New()
	registry := session.NewRegistry(500, 30*time.Second, time.Hour, m, logger)
	store := history.New(t.TempDir(), 500, logger)
	gate := auth.New("", "")
	dispatcher := &fakeDispatcher{}
	return NewListener(registry, store, gate, dispatcher, m, logger), dispatcher
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.ServerEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func TestFirstConnectEmptyHistory(t *testing.T) {
	l, _ := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	conn := dialWS(t, srv, "?userId=u1")
	defer conn.Close()

	hello := readEvent(t, conn)
	if hello.Type != protocol.ServerEventHello || hello.Seq == nil || *hello.Seq != 0 {
		t.Fatalf("expected hello seq=0, got %+v", hello)
	}

	hist := readEvent(t, conn)
	if hist.Type != protocol.ServerEventHistory || hist.Seq == nil || *hist.Seq != 1 {
		t.Fatalf("expected history seq=1, got %+v", hist)
	}
	if hist.Messages == nil || len(*hist.Messages) != 0 {
		t.Fatalf("expected empty-but-present history, got %+v", hist.Messages)
	}
}

func TestSendMessagePersistsBroadcastsAndDispatches(t *testing.T) {
	l, dispatcher := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	conn := dialWS(t, srv, "?userId=u1")
	defer conn.Close()
	readEvent(t, conn) // hello
	readEvent(t, conn) // history

	body, _ := json.Marshal(protocol.ClientEvent{Type: protocol.ClientEventMessage, Text: "hi"})
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	echoed := readEvent(t, conn)
	if echoed.Type != protocol.ServerEventMessage || echoed.Msg == nil || echoed.Msg.Text != "hi" {
		t.Fatalf("expected echoed user message, got %+v", echoed)
	}
	if echoed.Msg.Role != protocol.RoleUser {
		t.Fatalf("expected role=user, got %s", echoed.Msg.Role)
	}

	deadline := time.Now().Add(time.Second)
	for dispatcher.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dispatcher.callCount() != 1 {
		t.Fatalf("expected exactly one dispatch call, got %d", dispatcher.callCount())
	}
}

func TestEmptyTextNoImagesIsIgnored(t *testing.T) {
	l, dispatcher := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	conn := dialWS(t, srv, "?userId=u1")
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)

	body, _ := json.Marshal(protocol.ClientEvent{Type: protocol.ClientEventMessage, Text: "   "})
	conn.WriteMessage(websocket.TextMessage, body)

	// Follow with a ping; if the empty message had been processed we'd
	// see a message event before the pong.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	pong := readEvent(t, conn)
	if pong.Type != protocol.ServerEventPong {
		t.Fatalf("expected pong (empty message should be ignored), got %+v", pong)
	}
	if dispatcher.callCount() != 0 {
		t.Fatalf("expected no dispatch for empty message")
	}
}

func TestReconnectWithinBufferReplaysWithoutFullHistory(t *testing.T) {
	l, _ := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	first := dialWS(t, srv, "?userId=u1")
	hello := readEvent(t, first)
	readEvent(t, first) // history@1, empty

	body, _ := json.Marshal(protocol.ClientEvent{Type: protocol.ClientEventMessage, Text: "hi"})
	first.WriteMessage(websocket.TextMessage, body)
	readEvent(t, first) // echoed message@2
	first.Close()

	reconnectQuery := "?userId=u1&connection_id=" + hello.ConnectionID + "&sequence_number=2"
	second := dialWS(t, srv, reconnectQuery)
	defer second.Close()

	replayedHello := readEvent(t, second)
	if replayedHello.Type != protocol.ServerEventHello {
		t.Fatalf("expected hello on reconnect, got %+v", replayedHello)
	}

	replayed := readEvent(t, second)
	if replayed.Type != protocol.ServerEventMessage || replayed.Msg == nil || replayed.Msg.Text != "hi" {
		t.Fatalf("expected buffered message replay, not a full history resend, got %+v", replayed)
	}
}

func TestReconnectBeyondBufferTriggersFullSync(t *testing.T) {
	l, _ := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	first := dialWS(t, srv, "?userId=u1")
	readEvent(t, first) // hello@0
	readEvent(t, first) // history@1
	first.Close()

	// A sequence number the buffer cannot possibly cover forces a full
	// sync instead of a replay.
	reconnectQuery := "?userId=u1&connection_id=" + idgen.NewConnectionID() + "&sequence_number=999999"
	second := dialWS(t, srv, reconnectQuery)
	defer second.Close()

	readEvent(t, second) // hello
	hist := readEvent(t, second)
	if hist.Type != protocol.ServerEventHistory {
		t.Fatalf("expected full history resync when incoming seq is out of buffer range, got %+v", hist)
	}
}

func TestResyncRequestTriggersFullSync(t *testing.T) {
	l, _ := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	conn := dialWS(t, srv, "?userId=u1")
	defer conn.Close()
	readEvent(t, conn) // hello
	readEvent(t, conn) // history

	body, _ := json.Marshal(protocol.ClientEvent{Type: protocol.ClientEventResync})
	conn.WriteMessage(websocket.TextMessage, body)

	resynced := readEvent(t, conn)
	if resynced.Type != protocol.ServerEventHistory {
		t.Fatalf("expected a history event in response to an explicit resync request, got %+v", resynced)
	}
}

func TestMalformedJSONIsIgnoredWithoutDisconnect(t *testing.T) {
	l, _ := newTestListener(t)
	srv := httptest.NewServer(l)
	defer srv.Close()

	conn := dialWS(t, srv, "?userId=u1")
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))

	pong := readEvent(t, conn)
	if pong.Type != protocol.ServerEventPong {
		t.Fatalf("expected connection to survive malformed JSON and answer the following ping, got %+v", pong)
	}
}
