// Package protocol defines the relay's wire types: the stored
// message shape, and the tagged client/server event variants carried
// over the WebSocket connection.
package protocol

// Role identifies who authored a StoredMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageAttachment is inbound image metadata carried alongside a user
// message.
type ImageAttachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// StoredMessage is a single persisted chat turn. It is created once
// and never mutated.
type StoredMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	Role       Role   `json:"role"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	HasImages  bool   `json:"hasImages,omitempty"`
	ImageCount int    `json:"imageCount,omitempty"`
}

// ClientEventType tags the variant of an inbound ClientEvent.
type ClientEventType string

const (
	ClientEventMessage ClientEventType = "message"
	ClientEventPing    ClientEventType = "ping"
	ClientEventResync  ClientEventType = "resync"
)

// ClientEvent is the envelope for everything a browser can send.
// Only Type is guaranteed to be present; Text/Images are populated
// for ClientEventMessage.
type ClientEvent struct {
	Type   ClientEventType   `json:"type"`
	Text   string            `json:"text,omitempty"`
	Images []ImageAttachment `json:"images,omitempty"`
}

// ServerEventType tags the variant of an outbound ServerEvent.
type ServerEventType string

const (
	ServerEventHello        ServerEventType = "hello"
	ServerEventHistory      ServerEventType = "history"
	ServerEventMessage      ServerEventType = "message"
	ServerEventStreaming    ServerEventType = "streaming"
	ServerEventStreamingEnd ServerEventType = "streaming_end"
	ServerEventPong         ServerEventType = "pong"
)

// ServerEvent is the envelope for everything the relay sends to a
// browser. Seq is omitted on the wire for Pong, which never consumes
// a sequence number. Messages is a pointer so that a history event
// with zero messages still carries "messages":[] on the wire — plain
// omitempty on a slice drops the field for both nil and empty, which
// would make an empty history indistinguishable from a non-history
// event to a client expecting the field to always be present. Other
// event types leave it nil and it is omitted as usual.
type ServerEvent struct {
	Type         ServerEventType  `json:"type"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Messages     *[]StoredMessage `json:"messages,omitempty"`
	Msg          *StoredMessage   `json:"msg,omitempty"`
	Text         string           `json:"text,omitempty"`
	Seq          *uint64          `json:"seq,omitempty"`
}

// WithSeq returns a copy of the event carrying seq. Pong events never
// call this — they are emitted exactly as built.
func (e ServerEvent) WithSeq(seq uint64) ServerEvent {
	e.Seq = &seq
	return e
}

// Hello builds the connection handshake event.
func Hello(connectionID string) ServerEvent {
	return ServerEvent{Type: ServerEventHello, ConnectionID: connectionID}
}

// History builds the full-sync history event. A nil messages is sent
// as "messages":[], not omitted, so the field is always present on
// this event type.
func History(messages []StoredMessage) ServerEvent {
	if messages == nil {
		messages = []StoredMessage{}
	}
	return ServerEvent{Type: ServerEventHistory, Messages: &messages}
}

// Message builds a delivered-chat-message event.
func Message(msg StoredMessage) ServerEvent {
	return ServerEvent{Type: ServerEventMessage, Msg: &msg}
}

// Streaming builds a partial-reply event.
func Streaming(text string) ServerEvent {
	return ServerEvent{Type: ServerEventStreaming, Text: text}
}

// StreamingEnd builds the end-of-stream event.
func StreamingEnd() ServerEvent {
	return ServerEvent{Type: ServerEventStreamingEnd}
}

// Pong builds the (seq-less) ping reply.
func Pong() ServerEvent {
	return ServerEvent{Type: ServerEventPong}
}
