package session

import (
	"sync"
	"testing"
	"time"

	"github.com/openclaw/pwa-chat-relay/internal/idgen"
	"github.com/openclaw/pwa-chat-relay/internal/logging"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

type fakeClient struct {
	id string

	mu   sync.Mutex
	recv []protocol.ServerEvent
}

func newFakeClient() *fakeClient {
	return &fakeClient{id: idgen.NewConnectionID()}
}

func (f *fakeClient) ConnectionID() string { return f.id }

func (f *fakeClient) Enqueue(ev protocol.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = append(f.recv, ev)
}

func (f *fakeClient) events() []protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerEvent, len(f.recv))
	copy(out, f.recv)
	return out
}

func newUserStateForTest() *UserState {
	return newUserState("u1", 500, 30*time.Second, nil, logging.New("TEST"))
}

func TestBroadcastSeqStrictlyIncreasing(t *testing.T) {
	u := newUserStateForTest()
	c := newFakeClient()
	u.Register(c)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seqs = append(seqs, u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"})))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("seq not strictly increasing: %v", seqs)
		}
	}

	events := c.events()
	if len(events) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq == nil || *ev.Seq != seqs[i] {
			t.Fatalf("event %d carries wrong seq", i)
		}
	}
}

func TestBroadcastWithZeroClientsStillAdvancesSeq(t *testing.T) {
	u := newUserStateForTest()
	before := u.Sequence()
	u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"}))
	after := u.Sequence()
	if after != before+1 {
		t.Fatalf("sequence did not advance with zero clients: before=%d after=%d", before, after)
	}
	if u.BufferLen() != 1 {
		t.Fatalf("expected buffer to grow even with no clients, got len=%d", u.BufferLen())
	}
}

func TestEventBufferBoundedAt500(t *testing.T) {
	u := newUserStateForTest()
	for i := 0; i < 600; i++ {
		u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"}))
	}
	if got := u.BufferLen(); got != 500 {
		t.Fatalf("expected buffer capped at 500, got %d", got)
	}
}

func TestResyncDecisionWithinBuffer(t *testing.T) {
	u := newUserStateForTest()
	for i := 0; i < 10; i++ {
		u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"}))
	}
	if !u.ResyncDecision("prev-conn", 4, true) {
		t.Fatalf("expected catch-up resync for in-range seq")
	}
	if u.ResyncDecision("", 4, true) {
		t.Fatalf("empty connection id must never resync")
	}
	if u.ResyncDecision("prev-conn", 0, false) {
		t.Fatalf("missing seq must never resync")
	}
}

func TestResyncDecisionOutsideBufferForcesFullSync(t *testing.T) {
	u := newUserState("u1", 5, 30*time.Second, nil, logging.New("TEST"))
	for i := 0; i < 20; i++ {
		u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"}))
	}
	if u.ResyncDecision("prev-conn", 0, true) {
		t.Fatalf("expected full sync when requested seq fell out of the buffer window")
	}
}

func TestReplaySinceReturnsAscendingSubset(t *testing.T) {
	u := newUserStateForTest()
	for i := 0; i < 10; i++ {
		u.Broadcast(protocol.Message(protocol.StoredMessage{ID: "m"}))
	}
	events := u.ReplaySince(4)
	if len(events) != 6 { // seqs 4..9
		t.Fatalf("expected 6 events from seq 4, got %d", len(events))
	}
	for i, ev := range events {
		if *ev.Seq != uint64(4+i) {
			t.Fatalf("event %d out of order: seq=%d", i, *ev.Seq)
		}
	}
}

func TestOnlyOneStreamingStateAtATime(t *testing.T) {
	u := newUserStateForTest()
	u.SetStreamingText("hel")
	u.SetStreamingText("hello")
	text, streaming := u.StreamingSnapshot()
	if !streaming || text != "hello" {
		t.Fatalf("expected single streaming state with latest text, got %q streaming=%v", text, streaming)
	}
}

func TestStreamingTimeoutEmitsExactlyOneEnd(t *testing.T) {
	u := newUserState("u1", 500, 20*time.Millisecond, nil, logging.New("TEST"))
	c := newFakeClient()
	u.Register(c)

	u.SetStreamingText("partial")
	time.Sleep(80 * time.Millisecond)

	if _, streaming := u.StreamingSnapshot(); streaming {
		t.Fatalf("expected streaming state cleared after timeout")
	}

	var ends int
	for _, ev := range c.events() {
		if ev.Type == protocol.ServerEventStreamingEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly one streaming_end, got %d", ends)
	}
}

func TestEndStreamingCancelsPendingTimeout(t *testing.T) {
	u := newUserState("u1", 500, 20*time.Millisecond, nil, logging.New("TEST"))
	c := newFakeClient()
	u.Register(c)

	u.SetStreamingText("partial")
	u.EndStreaming()
	time.Sleep(80 * time.Millisecond)

	var ends int
	for _, ev := range c.events() {
		if ev.Type == protocol.ServerEventStreamingEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly one streaming_end (from EndStreaming, not the stale timer), got %d", ends)
	}
}

func TestPongDoesNotConsumeSequence(t *testing.T) {
	u := newUserStateForTest()
	c := newFakeClient()
	u.Register(c)

	before := u.Sequence()
	for i := 0; i < 5; i++ {
		SendPong(c)
	}
	after := u.Sequence()
	if before != after {
		t.Fatalf("pong must not consume sequence numbers: before=%d after=%d", before, after)
	}

	for _, ev := range c.events() {
		if ev.Seq != nil {
			t.Fatalf("pong event must never carry a seq")
		}
	}
}

func TestStreamingTransitionsDriveStreamingActiveGauge(t *testing.T) {
	m := metrics.New()
	u := newUserState("u1", 500, 30*time.Second, m, logging.New("TEST"))

	if got := m.StreamingActiveCount(); got != 0 {
		t.Fatalf("expected streaming-active gauge at 0 before any stream, got %d", got)
	}

	u.SetStreamingText("hel")
	if got := m.StreamingActiveCount(); got != 1 {
		t.Fatalf("expected streaming-active gauge at 1 after the first chunk, got %d", got)
	}

	// A second chunk on an already-streaming user is not a new transition.
	u.SetStreamingText("hello")
	if got := m.StreamingActiveCount(); got != 1 {
		t.Fatalf("expected streaming-active gauge to stay at 1 across a continued stream, got %d", got)
	}

	u.EndStreaming()
	if got := m.StreamingActiveCount(); got != 0 {
		t.Fatalf("expected streaming-active gauge back at 0 after EndStreaming, got %d", got)
	}

	// Ending an already-idle user is not a transition either.
	u.EndStreaming()
	if got := m.StreamingActiveCount(); got != 0 {
		t.Fatalf("expected streaming-active gauge to stay at 0 for a redundant EndStreaming, got %d", got)
	}
}

func TestStreamingTimeoutDecrementsStreamingActiveGaugeOnce(t *testing.T) {
	m := metrics.New()
	u := newUserState("u1", 500, 20*time.Millisecond, m, logging.New("TEST"))

	u.SetStreamingText("partial")
	if got := m.StreamingActiveCount(); got != 1 {
		t.Fatalf("expected streaming-active gauge at 1 mid-stream, got %d", got)
	}

	time.Sleep(80 * time.Millisecond)

	if got := m.StreamingActiveCount(); got != 0 {
		t.Fatalf("expected the inactivity timeout to release the streaming-active gauge, got %d", got)
	}
}

func TestIdleEviction(t *testing.T) {
	u := newUserStateForTest()
	if !u.Idle(0) {
		t.Fatalf("expected fresh, clientless user to be idle with zero TTL")
	}
	c := newFakeClient()
	u.Register(c)
	if u.Idle(0) {
		t.Fatalf("user with a connected client must never be idle")
	}
	u.Unregister(c)
	if !u.Idle(0) {
		t.Fatalf("expected user to become idle again after its only client disconnects")
	}
}
