// Package session holds everything scoped to one UserKey: the
// monotonic sequence counter, the bounded replay buffer, the set of
// connected clients, and the in-flight streaming state. Every method
// on UserState is guarded by a single mutex, serializing seq
// assignment, buffer append, and fan-out for one user (see
// internal/wsconn for how that fan-out reaches an actual socket).
package session

import (
	"log"
	"sync"
	"time"

	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

type streamingState struct {
	text       string
	generation uint64
	timer      *time.Timer
}

// UserState is the exclusive owner of one UserKey's sequence counter,
// replay buffer, client set, and streaming state.
type UserState struct {
	key     string
	logger  *log.Logger
	metrics *metrics.Metrics

	timeout time.Duration

	mu           sync.Mutex
	sequence     uint64
	buffer       *eventBuffer
	clients      map[Client]struct{}
	streaming    *streamingState
	lastActivity time.Time
}

func newUserState(key string, bufferCap int, streamingTimeout time.Duration, m *metrics.Metrics, logger *log.Logger) *UserState {
	return &UserState{
		key:          key,
		logger:       logger,
		metrics:      m,
		timeout:      streamingTimeout,
		buffer:       newEventBuffer(bufferCap),
		clients:      make(map[Client]struct{}),
		lastActivity: time.Now(),
	}
}

// Register adds a client to the user's live client set.
func (u *UserState) Register(c Client) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.clients[c] = struct{}{}
	u.lastActivity = time.Now()
}

// Unregister removes a client. Safe to call more than once; the
// second call is a no-op, matching "removal performed exactly once"
// being the caller's responsibility while tolerating defensive
// double-calls from both a read-loop defer and an error path.
func (u *UserState) Unregister(c Client) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.clients, c)
	u.lastActivity = time.Now()
}

// ClientCount reports the number of currently connected clients.
func (u *UserState) ClientCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.clients)
}

// ResyncDecision reports whether a reconnecting client with
// (incomingConnectionID, incomingSeq) can catch up from the buffer.
// A non-empty connection id whose seq falls within the buffer's
// [min,max] range adopts that id and resyncs via catch-up; anything
// else gets a freshly minted id and a full sync.
func (u *UserState) ResyncDecision(incomingConnectionID string, incomingSeq uint64, hasSeq bool) (resync bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if incomingConnectionID == "" || !hasSeq {
		return false
	}
	return u.buffer.covers(incomingSeq)
}

// ReplaySince returns every buffered event with seq >= fromSeq, in
// ascending order, for catch-up delivery.
func (u *UserState) ReplaySince(fromSeq uint64) []protocol.ServerEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buffer.since(fromSeq)
}

// BufferLen reports how many events are currently buffered (test hook).
func (u *UserState) BufferLen() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buffer.len()
}

// Sequence reports the next sequence number that would be assigned
// (test/inspection hook).
func (u *UserState) Sequence() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sequence
}

// Hello assigns the next seq to a connection handshake and returns it
// ready to send to the connecting client only. Unlike every other
// seq-bearing event it is not appended to the replay buffer and is
// never fanned out to other clients: it marks the start of a catch-up
// window rather than being part of one.
func (u *UserState) Hello(connectionID string) protocol.ServerEvent {
	u.mu.Lock()
	seq := u.sequence
	u.sequence++
	u.lastActivity = time.Now()
	u.mu.Unlock()
	return protocol.Hello(connectionID).WithSeq(seq)
}

// Broadcast assigns the next seq to ev, appends it to the replay
// buffer, and fans it out to every connected client. It returns the
// assigned seq. Pong events never reach this method — they bypass
// per-user sequencing entirely (see SendPong).
func (u *UserState) Broadcast(ev protocol.ServerEvent) uint64 {
	u.mu.Lock()
	seq := u.sequence
	u.sequence++
	withSeq := ev.WithSeq(seq)
	u.buffer.push(entry{seq: seq, event: withSeq})
	u.lastActivity = time.Now()
	for c := range u.clients {
		c.Enqueue(withSeq)
	}
	u.mu.Unlock()
	return seq
}

// SendPong enqueues a seq-less pong to a single client, bypassing the
// per-user sequencing lock entirely since it touches no shared state.
func SendPong(c Client) {
	c.Enqueue(protocol.Pong())
}

// SetStreamingText records a new cumulative partial reply, broadcasts
// it, and (re)arms the inactivity timeout. Always emits an event, even
// if text is unchanged, since the client treats the latest text as
// authoritative.
func (u *UserState) SetStreamingText(text string) uint64 {
	u.mu.Lock()
	wasIdle := u.streaming == nil
	if u.streaming != nil && u.streaming.timer != nil {
		u.streaming.timer.Stop()
	}
	gen := uint64(0)
	if u.streaming != nil {
		gen = u.streaming.generation + 1
	}
	st := &streamingState{text: text, generation: gen}
	st.timer = time.AfterFunc(u.timeout, func() { u.onStreamingTimeout(gen) })
	u.streaming = st
	u.mu.Unlock()

	if wasIdle && u.metrics != nil {
		u.metrics.StreamingStarted()
	}
	return u.Broadcast(protocol.Streaming(text))
}

// EndStreaming clears streaming state and broadcasts streaming_end.
// A no-op beyond the broadcast if nothing was streaming.
func (u *UserState) EndStreaming() uint64 {
	u.mu.Lock()
	wasStreaming := u.streaming != nil
	if u.streaming != nil && u.streaming.timer != nil {
		u.streaming.timer.Stop()
	}
	u.streaming = nil
	u.mu.Unlock()

	if wasStreaming && u.metrics != nil {
		u.metrics.StreamingEnded()
	}
	return u.Broadcast(protocol.StreamingEnd())
}

func (u *UserState) onStreamingTimeout(generation uint64) {
	u.mu.Lock()
	if u.streaming == nil || u.streaming.generation != generation {
		u.mu.Unlock()
		return
	}
	u.streaming = nil
	u.mu.Unlock()

	if u.metrics != nil {
		u.metrics.StreamingTimedOut()
		u.metrics.StreamingEnded()
	}
	u.logger.Printf("session: streaming timeout for %s", u.key)
	u.Broadcast(protocol.StreamingEnd())
}

// StreamingSnapshot returns the current streaming text, if any.
func (u *UserState) StreamingSnapshot() (text string, streaming bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.streaming == nil {
		return "", false
	}
	return u.streaming.text, true
}

// Idle reports whether this user has no clients, no streaming state,
// and has been inactive for at least ttl — the condition under which
// the registry's sweep may evict it.
func (u *UserState) Idle(ttl time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.clients) == 0 && u.streaming == nil && time.Since(u.lastActivity) >= ttl
}
