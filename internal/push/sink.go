// Package push implements PushSink: storage of per-user Web Push
// subscriptions and VAPID identity keys, and fan-out delivery via
// webpush-go. Persistence follows the same shape as internal/history:
// one JSON file per concern, guarded by a single mutex, reads
// tolerant of a missing file.
package push

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/openclaw/pwa-chat-relay/internal/metrics"
)

// Keys is the opaque per-subscription auth material a browser's Push
// API hands back alongside its endpoint.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one browser's Web Push registration for a user.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

type vapidKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Sink is the relay's PushSink. It owns two on-disk files under dir:
// subscriptions.json (userKey -> []Subscription) and vapid.json (the
// server's identity keypair, generated once and reused thereafter).
type Sink struct {
	dir     string
	subject string // the "mailto:" or URL VAPID subject required by the push protocol
	metrics *metrics.Metrics
	logger  *log.Logger

	mu    sync.Mutex
	subs  map[string][]Subscription
	vapid vapidKeys
}

// New loads (or initializes) dir/subscriptions.json and dir/vapid.json.
func New(dir, vapidSubject string, m *metrics.Metrics, logger *log.Logger) (*Sink, error) {
	s := &Sink{
		dir:     dir,
		subject: vapidSubject,
		metrics: m,
		logger:  logger,
		subs:    make(map[string][]Subscription),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := s.loadSubscriptions(); err != nil {
		return nil, err
	}
	if err := s.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) subsPath() string  { return filepath.Join(s.dir, "subscriptions.json") }
func (s *Sink) vapidPath() string { return filepath.Join(s.dir, "vapid.json") }

func (s *Sink) loadSubscriptions() error {
	raw, err := os.ReadFile(s.subsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var subs map[string][]Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		s.logger.Printf("push: discarding malformed subscriptions file: %v", err)
		return nil
	}
	s.subs = subs
	return nil
}

func (s *Sink) writeSubscriptionsLocked() error {
	raw, err := json.Marshal(s.subs)
	if err != nil {
		return err
	}
	return os.WriteFile(s.subsPath(), raw, 0o644)
}

func (s *Sink) loadOrGenerateVAPID() error {
	raw, err := os.ReadFile(s.vapidPath())
	if err == nil {
		var keys vapidKeys
		if jsonErr := json.Unmarshal(raw, &keys); jsonErr == nil && keys.PublicKey != "" {
			s.vapid = keys
			return nil
		}
		s.logger.Printf("push: discarding malformed vapid file, regenerating")
	} else if !os.IsNotExist(err) {
		return err
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	s.vapid = vapidKeys{PublicKey: pub, PrivateKey: priv}

	raw, err = json.Marshal(s.vapid)
	if err != nil {
		return err
	}
	return os.WriteFile(s.vapidPath(), raw, 0o600)
}

// PublicVAPIDKey returns the key clients register against.
func (s *Sink) PublicVAPIDKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vapid.PublicKey
}

// Subscribe stores sub for userKey, replacing any existing
// subscription with the same endpoint.
func (s *Sink) Subscribe(userKey string, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.subs[userKey]
	out := existing[:0:0]
	replaced := false
	for _, e := range existing {
		if e.Endpoint == sub.Endpoint {
			out = append(out, sub)
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, sub)
	}
	s.subs[userKey] = out
	return s.writeSubscriptionsLocked()
}

// Unsubscribe removes the subscription matching endpoint for userKey.
func (s *Sink) Unsubscribe(userKey, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.subs[userKey]
	out := existing[:0:0]
	for _, e := range existing {
		if e.Endpoint != endpoint {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(s.subs, userKey)
	} else {
		s.subs[userKey] = out
	}
	return s.writeSubscriptionsLocked()
}

// SendPush implements dispatch.PushSink. It fans out to every
// subscription on file for userKey concurrently; a subscription the
// push service reports as gone (410/404) is pruned once every send in
// the batch has settled. Other send errors are logged and the
// subscription kept — transient failures shouldn't cost a
// registration.
func (s *Sink) SendPush(userKey, title, body, tag string) {
	s.mu.Lock()
	subs := append([]Subscription(nil), s.subs[userKey]...)
	privateKey := s.vapid.PrivateKey
	subject := s.subject
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Tag   string `json:"tag"`
	}{title, body, tag})
	if err != nil {
		s.logger.Printf("push: marshaling payload for %s: %v", userKey, err)
		return
	}

	var wg sync.WaitGroup
	gone := make([]string, 0, len(subs))
	var goneMu sync.Mutex

	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			resp, err := webpush.SendNotification(payload, &webpush.Subscription{
				Endpoint: sub.Endpoint,
				Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
			}, &webpush.Options{
				Subscriber:      subject,
				VAPIDPublicKey:  s.PublicVAPIDKey(),
				VAPIDPrivateKey: privateKey,
				TTL:             60,
			})
			if err != nil {
				s.logger.Printf("push: send to %s failed: %v", userKey, err)
				s.metrics.PushFailed()
				return
			}
			defer resp.Body.Close()
			s.metrics.PushSent()
			if resp.StatusCode == 404 || resp.StatusCode == 410 {
				goneMu.Lock()
				gone = append(gone, sub.Endpoint)
				goneMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	for _, endpoint := range gone {
		if err := s.Unsubscribe(userKey, endpoint); err != nil {
			s.logger.Printf("push: pruning gone subscription for %s: %v", userKey, err)
			continue
		}
		s.metrics.PushPruned()
	}
}
