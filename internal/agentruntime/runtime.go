// Package agentruntime holds the capability contract the relay
// consumes from the backend agent process, and the process-wide
// singleton slot that contract is injected into at startup. The
// resolution lives in a package-level slot, built once and read many
// times, because the capability is genuinely process-wide and is
// consumed from goroutines the dispatcher spawns per message, not
// threaded through a single owning struct.
package agentruntime

import (
	"sync"

	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

// DeliverKind tags a DeliverFunc invocation as a partial chunk or the
// terminal reply.
type DeliverKind string

const (
	KindBlock DeliverKind = "block"
	KindFinal DeliverKind = "final"
)

// DeliverInfo accompanies every DeliverFunc call.
type DeliverInfo struct {
	Kind DeliverKind
}

// DeliverFunc streams one chunk of the agent's reply back to the dispatcher.
type DeliverFunc func(chunk string, info DeliverInfo)

// ErrorFunc reports an agent-side failure mid-dispatch. The dispatcher
// still performs its safety flush after this fires.
type ErrorFunc func(err error, info DeliverInfo)

// Runtime is the capability set the relay requires from the backend
// agent process. Method signatures beyond this shape are intentionally
// loose — RecordSessionMetadata and FormatInbound return/accept opaque
// values because the relay does not interpret their contents, only
// threads them through.
type Runtime interface {
	// ResolveStorePath returns the on-disk root the agent should use
	// for this user's working files.
	ResolveStorePath(userKey string) string
	// ResolveRoute maps a UserKey to the agent id that should handle it.
	ResolveRoute(userKey string) (agentID string, err error)
	// FormatInbound builds the agent-facing envelope for one user turn.
	FormatInbound(userKey, text string, images []protocol.ImageAttachment) interface{}
	// FinalizeContext turns an envelope into the context object Dispatch consumes.
	FinalizeContext(envelope interface{}) interface{}
	// RecordSessionMetadata is best-effort bookkeeping; callers swallow its error.
	RecordSessionMetadata(ctx interface{}, userKey string) error
	// Dispatch drives the agent, invoking deliver for each chunk and
	// onError on failure. It returns once the agent has finished
	// producing output (or failed).
	Dispatch(ctx interface{}, deliver DeliverFunc, onError ErrorFunc)
}

var (
	mu       sync.RWMutex
	instance Runtime
)

// Inject installs the process-wide Runtime. Call exactly once during
// startup, before any connection can reach InboundDispatcher.
func Inject(r Runtime) {
	mu.Lock()
	defer mu.Unlock()
	instance = r
}

// Get returns the injected Runtime. It panics if called before
// Inject — there is no sensible degraded behavior for a dispatch
// path with no agent behind it, and failing loudly at the first call
// site is preferable to a nil-pointer crash three calls deep.
func Get() Runtime {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("agentruntime: Get called before Inject")
	}
	return instance
}

// Injected reports whether a Runtime has been installed, for startup
// code that wants to wire a listener before the agent is ready.
func Injected() bool {
	mu.RLock()
	defer mu.RUnlock()
	return instance != nil
}
