package agentruntime

import "github.com/openclaw/pwa-chat-relay/internal/protocol"

// Echo is a reference Runtime with no real agent behind it: it
// replies to every inbound turn with the text it was given. It
// exists so the relay binary is runnable end to end (manual testing,
// load testing, local development) without an embedding process
// wiring a real AgentRuntime first. A deployment that owns an actual
// agent backend calls Inject with its own implementation before
// serving traffic, which replaces this one outright.
type Echo struct{}

func (Echo) ResolveStorePath(userKey string) string { return "" }

func (Echo) ResolveRoute(userKey string) (string, error) { return "echo", nil }

func (Echo) FormatInbound(userKey, text string, images []protocol.ImageAttachment) interface{} {
	return text
}

func (Echo) FinalizeContext(envelope interface{}) interface{} { return envelope }

func (Echo) RecordSessionMetadata(ctx interface{}, userKey string) error { return nil }

func (Echo) Dispatch(ctx interface{}, deliver DeliverFunc, onError ErrorFunc) {
	text, _ := ctx.(string)
	deliver(text, DeliverInfo{Kind: KindFinal})
}
