// Package server wires the relay's control-surface HTTP endpoints:
// everything other than the /ws upgrade itself, which
// internal/wsconn.Listener owns directly.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openclaw/pwa-chat-relay/internal/auth"
	"github.com/openclaw/pwa-chat-relay/internal/history"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/push"
	"github.com/openclaw/pwa-chat-relay/internal/session"
)

// Server owns the control-surface HTTP listener and its graceful
// shutdown. The /ws path is delegated to wsHandler, built by the
// caller from internal/wsconn.
type Server struct {
	addr      string
	wsHandler http.Handler
	registry  *session.Registry
	history   *history.Store
	push      *push.Sink
	gate      *auth.Gate
	metrics   *metrics.Metrics
	logger    *log.Logger

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server. wsHandler serves the /ws upgrade path; every
// other path is this package's own control surface.
func New(addr string, wsHandler http.Handler, registry *session.Registry, store *history.Store, pushSink *push.Sink, gate *auth.Gate, m *metrics.Metrics, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		wsHandler: wsHandler,
		registry:  registry,
		history:   store,
		push:      pushSink,
		gate:      gate,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/stats", s.requireAuth(s.handleStats))
	mux.Handle("/metrics", s.requireAuthHandler(m.Handler()))
	mux.HandleFunc("/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/push/vapid-public-key", s.requireAuth(s.handleVAPIDPublicKey))
	mux.HandleFunc("/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuthHandler(next).ServeHTTP
}

// requireAuthHandler is the http.Handler-typed form, for wrapping
// handlers (like the /metrics exposition handler) that aren't already
// an http.HandlerFunc.
func (s *Server) requireAuthHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.Allow(r) {
			auth.RejectHTTP(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Auth-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	goroutines, memoryRSS, cpuPercent, natsConnected := s.metrics.Snapshot()
	health := map[string]interface{}{
		"status":        "healthy",
		"timestamp":     time.Now().Unix(),
		"uptimeSeconds": s.metrics.Uptime().Seconds(),
		"users":         s.registry.Len(),
		"goroutines":    goroutines,
		"memoryRSS":     memoryRSS,
		"cpuPercent":    cpuPercent,
		"natsConnected": natsConnected,
		"historyStore":  "ok",
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"usersTracked":  s.registry.Len(),
		"uptimeSeconds": s.metrics.Uptime().Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleSessions implements GET /sessions?userId= (list) and DELETE
// /sessions?userId=&sessionId= (remove one session's history).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, `{"error":"userId is required"}`, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sessions, err := s.history.ListSessions(userID)
		if err != nil {
			s.logger.Printf("server: listing sessions for %s: %v", userID, err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions})

	case http.MethodDelete:
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			sessionID = "default"
		}
		removed, err := s.history.DeleteSession(userID, sessionID)
		if err != nil {
			s.logger.Printf("server: deleting session %s/%s: %v", userID, sessionID, err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"removed": removed})

	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"publicKey": s.push.PublicVAPIDKey()})
}

type subscribeRequest struct {
	UserID       string            `json:"userId"`
	SessionID    string            `json:"sessionId"`
	Subscription push.Subscription `json:"subscription"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}
	userKey := session.Key(req.UserID, req.SessionID)
	if err := s.push.Subscribe(userKey, req.Subscription); err != nil {
		s.logger.Printf("server: push subscribe for %s: %v", userKey, err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Endpoint  string `json:"endpoint"`
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Endpoint == "" {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}
	userKey := session.Key(req.UserID, req.SessionID)
	if err := s.push.Unsubscribe(userKey, req.Endpoint); err != nil {
		s.logger.Printf("server: push unsubscribe for %s: %v", userKey, err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start binds addr, returning the bind error (such as an invalid host
// or port) to the caller, then serves and blocks until a shutdown
// signal arrives, then drains gracefully.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("server: listening on %s", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server: listen error: %v", err)
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	s.logger.Printf("server: received signal %v, shutting down", sig)
	s.Shutdown()
}

// Shutdown tears the HTTP server down within a bounded window.
func (s *Server) Shutdown() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Printf("server: shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Printf("server: shutdown complete")
	case <-ctx.Done():
		s.logger.Printf("server: shutdown timed out")
	}
}
