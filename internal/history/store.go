// Package history persists bounded per-user message logs, one JSON
// file per sanitized UserKey. It never returns an error from reads —
// a missing or malformed file is treated as empty history, keeping
// storage trouble out of the hot path; failures are tracked as
// metrics counters instead of propagated into the request path.
package history

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openclaw/pwa-chat-relay/internal/protocol"
)

// SessionSummary is one row of a listSessions result.
type SessionSummary struct {
	SessionID     string `json:"sessionId"`
	MessageCount  int    `json:"messageCount"`
	LastTimestamp int64  `json:"lastTimestamp"`
}

// Store is a HistoryStore: bounded, per-user, on-disk message logs.
type Store struct {
	dir         string
	maxMessages int
	logger      *log.Logger

	mu sync.Mutex // serializes read-modify-write across all users; a single user is already effectively single-writer, so this mainly guards the shared directory walk used by ListSessions
}

// New creates a Store rooted at dir. The directory is created lazily
// on first append, not here.
func New(dir string, maxMessages int, logger *log.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = 500
	}
	return &Store{dir: dir, maxMessages: maxMessages, logger: logger}
}

// SanitizeKey replaces any character outside [A-Za-z0-9_-] with '_'.
func SanitizeKey(userKey string) string {
	var b strings.Builder
	b.Grow(len(userKey))
	for _, r := range userKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *Store) filePath(userKey string) string {
	return filepath.Join(s.dir, SanitizeKey(userKey)+".json")
}

// ReadHistory returns the ordered message log for userKey, or an
// empty slice if the file is missing or malformed.
func (s *Store) ReadHistory(userKey string) []protocol.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(userKey)
}

func (s *Store) readLocked(userKey string) []protocol.StoredMessage {
	raw, err := os.ReadFile(s.filePath(userKey))
	if err != nil {
		return []protocol.StoredMessage{}
	}
	var msgs []protocol.StoredMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		s.logger.Printf("history: discarding malformed file for %s: %v", userKey, err)
		return []protocol.StoredMessage{}
	}
	return msgs
}

// AppendMessage appends msg to userKey's log, evicting the oldest
// messages once the log exceeds the configured cap. Not crash-atomic:
// a process death mid-write can truncate the file, a known and
// preserved limitation (see DESIGN.md).
func (s *Store) AppendMessage(userKey string, msg protocol.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	msgs := s.readLocked(userKey)
	msgs = append(msgs, msg)
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath(userKey), raw, 0o644)
}

// ListSessions enumerates every file belonging to baseUserID: the
// file sanitized to exactly baseUserID (the "default" session) or
// prefixed baseUserID + "_" (any other session), sorted by
// lastTimestamp descending.
func (s *Store) ListSessions(baseUserID string) ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []SessionSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	sanitizedBase := SanitizeKey(baseUserID)
	var out []SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")

		var sessionID string
		switch {
		case name == sanitizedBase:
			sessionID = "default"
		case strings.HasPrefix(name, sanitizedBase+"_"):
			sessionID = strings.TrimPrefix(name, sanitizedBase+"_")
		default:
			continue
		}

		msgs := s.readLocked(keyFromFileStem(name))
		var lastTS int64
		if len(msgs) > 0 {
			lastTS = msgs[len(msgs)-1].Timestamp
		}
		out = append(out, SessionSummary{
			SessionID:     sessionID,
			MessageCount:  len(msgs),
			LastTimestamp: lastTS,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp > out[j].LastTimestamp })
	return out, nil
}

// keyFromFileStem reads back using the already-sanitized file stem;
// since sanitization is lossy this only works because ReadHistory
// re-derives the same sanitized path, which is the identity function
// on an already-sanitized stem.
func keyFromFileStem(stem string) string { return stem }

// DeleteSession removes the on-disk log for (baseUserID, sessionID),
// reporting whether a file existed.
func (s *Store) DeleteSession(baseUserID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userKey := baseUserID
	if sessionID != "" && sessionID != "default" {
		userKey = baseUserID + ":" + sessionID
	}

	path := s.filePath(userKey)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}
