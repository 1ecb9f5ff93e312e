// Command relay runs the pwa-chat session relay: the process that
// fronts browser WebSocket connections and an injected AgentRuntime.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/openclaw/pwa-chat-relay/internal/agentruntime"
	"github.com/openclaw/pwa-chat-relay/internal/auth"
	"github.com/openclaw/pwa-chat-relay/internal/config"
	"github.com/openclaw/pwa-chat-relay/internal/dispatch"
	"github.com/openclaw/pwa-chat-relay/internal/history"
	"github.com/openclaw/pwa-chat-relay/internal/logging"
	"github.com/openclaw/pwa-chat-relay/internal/metrics"
	"github.com/openclaw/pwa-chat-relay/internal/protocol"
	"github.com/openclaw/pwa-chat-relay/internal/push"
	"github.com/openclaw/pwa-chat-relay/internal/relaybus"
	"github.com/openclaw/pwa-chat-relay/internal/server"
	"github.com/openclaw/pwa-chat-relay/internal/session"
	"github.com/openclaw/pwa-chat-relay/internal/wsconn"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if !cfg.Channel.Enabled {
		log.Fatalf("relay: channel.enabled is false, nothing to run")
	}

	logger := logging.New("RELAY")
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(m, 5*time.Second)
	go collector.Run(ctx)

	store := history.New(cfg.HistoryDir(), cfg.Relay.History.MaxMessages, logging.New("HISTORY"))
	registry := session.NewRegistry(
		cfg.Relay.Events.BufferSize,
		time.Duration(cfg.Relay.Streaming.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Relay.UserIdleTTLSeconds)*time.Second,
		m,
		logging.New("SESSION"),
	)
	go registry.RunIdleSweep(ctx, time.Minute)

	gate := auth.New(cfg.Gateway.Auth.Token, cfg.Gateway.Auth.JWTSecret)

	pushSink, err := push.New(cfg.PushDir(), cfg.Relay.Push.VAPIDSubject, m, logging.New("PUSH"))
	if err != nil {
		log.Fatalf("relay: initializing push sink: %v", err)
	}

	var publisher dispatch.Publisher
	if cfg.Relay.NATS.URL != "" {
		bus, err := relaybus.Connect(cfg.Relay.NATS.URL, m, logging.New("RELAYBUS"))
		if err != nil {
			logger.Printf("relay: NATS unavailable, continuing without cross-process fan-in: %v", err)
		} else {
			defer bus.Close()
			publisher = bus

			if err := bus.Subscribe(func(userKey string, msg protocol.StoredMessage) {
				if err := store.AppendMessage(userKey, msg); err != nil {
					logger.Printf("relay: persisting fan-in message for %s: %v", userKey, err)
				}
				registry.Get(userKey).Broadcast(protocol.Message(msg))
			}); err != nil {
				logger.Printf("relay: subscribing to outbound fan-in: %v", err)
			}
		}
	}

	if !agentruntime.Injected() {
		agentruntime.Inject(agentruntime.Echo{})
	}

	dispatcher := dispatch.New(registry, store, pushSink, publisher, m, logger)

	wsListener := wsconn.NewListener(registry, store, gate, dispatcher, m, logging.New("WSCONN"))

	srv := server.New(cfg.Addr(), wsListener, registry, store, pushSink, gate, m, logger)

	logger.Printf("relay: starting on %s", cfg.Addr())
	if err := srv.Start(); err != nil {
		log.Fatalf("relay: server error: %v", err)
	}
}
