package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/openclaw/pwa-chat-relay/internal/metrics"
)

// Registry owns the UserKey -> UserState map. The map itself is
// guarded by a coarse RWMutex, held only long enough to look up or
// create an entry; all further work happens on the per-user lock
// inside UserState, so cross-user contention never extends past a map
// lookup.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*UserState

	bufferCap        int
	streamingTimeout time.Duration
	idleTTL          time.Duration
	metrics          *metrics.Metrics
	logger           *log.Logger
}

// NewRegistry creates an empty registry. bufferCap bounds each user's
// event replay buffer; streamingTimeout is the StreamingController's
// inactivity window; idleTTL is how long a user may sit with no
// clients and no streaming before the sweep evicts it (0 makes every
// clientless, non-streaming user eligible at the next sweep). m may be
// nil, in which case per-user streaming metrics are skipped.
func NewRegistry(bufferCap int, streamingTimeout, idleTTL time.Duration, m *metrics.Metrics, logger *log.Logger) *Registry {
	return &Registry{
		users:            make(map[string]*UserState),
		bufferCap:        bufferCap,
		streamingTimeout: streamingTimeout,
		idleTTL:          idleTTL,
		metrics:          m,
		logger:           logger,
	}
}

// Get returns the UserState for key, creating it on first reference.
func (r *Registry) Get(key string) *UserState {
	r.mu.RLock()
	u, ok := r.users[key]
	r.mu.RUnlock()
	if ok {
		return u
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[key]; ok {
		return u
	}
	u = newUserState(key, r.bufferCap, r.streamingTimeout, r.metrics, r.logger)
	r.users[key] = u
	if r.metrics != nil {
		r.metrics.SetUsersTracked(len(r.users))
	}
	return u
}

// Len reports the number of distinct UserKeys seen (test/metrics hook).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// RunIdleSweep evicts UserState entries that are empty, non-streaming,
// and idle past the registry's TTL, bounding what would otherwise be
// unbounded key growth over the process lifetime. It runs until ctx
// is canceled.
func (r *Registry) RunIdleSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, u := range r.users {
		if u.Idle(r.idleTTL) {
			delete(r.users, key)
			r.logger.Printf("session: evicted idle user %s", key)
		}
	}
	if r.metrics != nil {
		r.metrics.SetUsersTracked(len(r.users))
	}
}
