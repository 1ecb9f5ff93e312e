package push

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/pwa-chat-relay/internal/logging"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(t.TempDir(), "mailto:ops@example.com", metrics.New(), logging.New("TEST"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestVAPIDKeysGeneratedAndPersisted(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, "mailto:ops@example.com", metrics.New(), logging.New("TEST"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub := s1.PublicVAPIDKey()
	if pub == "" {
		t.Fatal("expected a generated public key")
	}

	s2, err := New(dir, "mailto:ops@example.com", metrics.New(), logging.New("TEST"))
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if s2.PublicVAPIDKey() != pub {
		t.Fatal("expected vapid keys to persist across New calls")
	}
}

func TestSubscribeDeduplicatesByEndpoint(t *testing.T) {
	s := newTestSink(t)

	if err := s.Subscribe("u1", Subscription{Endpoint: "https://push/1", Keys: Keys{P256dh: "a", Auth: "b"}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe("u1", Subscription{Endpoint: "https://push/1", Keys: Keys{P256dh: "c", Auth: "d"}}); err != nil {
		t.Fatalf("Subscribe (replace): %v", err)
	}

	s.mu.Lock()
	subs := s.subs["u1"]
	s.mu.Unlock()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one subscription after re-subscribing same endpoint, got %d", len(subs))
	}
	if subs[0].Keys.P256dh != "c" {
		t.Fatalf("expected latest keys to replace earlier ones, got %+v", subs[0])
	}
}

func TestUnsubscribeRemovesMatchingEndpoint(t *testing.T) {
	s := newTestSink(t)
	s.Subscribe("u1", Subscription{Endpoint: "https://push/1"})
	s.Subscribe("u1", Subscription{Endpoint: "https://push/2"})

	if err := s.Unsubscribe("u1", "https://push/1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	s.mu.Lock()
	subs := s.subs["u1"]
	s.mu.Unlock()
	if len(subs) != 1 || subs[0].Endpoint != "https://push/2" {
		t.Fatalf("expected only the second subscription to remain, got %+v", subs)
	}
}

func TestSubscriptionsPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, _ := New(dir, "mailto:ops@example.com", metrics.New(), logging.New("TEST"))
	s1.Subscribe("u1", Subscription{Endpoint: "https://push/1", Keys: Keys{P256dh: "a", Auth: "b"}})

	raw, err := os.ReadFile(filepath.Join(dir, "subscriptions.json"))
	if err != nil {
		t.Fatalf("reading subscriptions file: %v", err)
	}
	var onDisk map[string][]Subscription
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(onDisk["u1"]) != 1 {
		t.Fatalf("expected subscription persisted to disk, got %+v", onDisk)
	}

	s2, _ := New(dir, "mailto:ops@example.com", metrics.New(), logging.New("TEST"))
	s2.mu.Lock()
	subs := s2.subs["u1"]
	s2.mu.Unlock()
	if len(subs) != 1 || subs[0].Endpoint != "https://push/1" {
		t.Fatalf("expected reload to recover subscription, got %+v", subs)
	}
}

func TestSendPushNoSubscriptionsIsNoop(t *testing.T) {
	s := newTestSink(t)
	// No subscriptions registered for u1: SendPush must return without
	// attempting any network call or panicking on an empty slice.
	s.SendPush("u1", "title", "body", "tag")
}
