package session

import "github.com/openclaw/pwa-chat-relay/internal/protocol"

// Client is the minimal surface the session package needs from a
// connected socket. ConnectionHandler (internal/wsconn) implements
// this over a *websocket.Conn; tests implement it over an in-memory
// slice.
type Client interface {
	// ConnectionID returns this client's opaque connection handle.
	ConnectionID() string
	// Enqueue hands ev to the client's own send loop. It must not
	// block the caller (the per-user lock is held during broadcast)
	// and must preserve enqueue order for a given client.
	Enqueue(ev protocol.ServerEvent)
}
