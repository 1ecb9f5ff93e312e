// Package config loads the relay's configuration from JSON with an
// environment-variable overlay: a default JSON literal, os.ExpandEnv
// over the raw bytes, then typed env overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

const defaultJSON = `{
  "channel": {
    "enabled": true,
    "host": "127.0.0.1",
    "port": 19999
  },
  "gateway": {
    "auth": {
      "token": "",
      "jwtSecret": ""
    }
  },
  "storage": {
    "root": ""
  },
  "relay": {
    "history": {
      "maxMessages": 500
    },
    "events": {
      "bufferSize": 500
    },
    "streaming": {
      "timeoutSeconds": 30
    },
    "nats": {
      "url": ""
    },
    "push": {
      "vapidSubject": "mailto:ops@openclaw.dev"
    },
    "userIdleTTLSeconds": 3600
  }
}`

// Config is the relay's full, typed configuration tree.
type Config struct {
	Channel struct {
		Enabled bool   `json:"enabled"`
		Host    string `json:"host"`
		Port    int    `json:"port"`
	} `json:"channel"`

	Gateway struct {
		Auth struct {
			Token     string `json:"token"`
			JWTSecret string `json:"jwtSecret"`
		} `json:"auth"`
	} `json:"gateway"`

	Storage struct {
		Root string `json:"root"`
	} `json:"storage"`

	Relay struct {
		History struct {
			MaxMessages int `json:"maxMessages"`
		} `json:"history"`
		Events struct {
			BufferSize int `json:"bufferSize"`
		} `json:"events"`
		Streaming struct {
			TimeoutSeconds int `json:"timeoutSeconds"`
		} `json:"streaming"`
		NATS struct {
			URL string `json:"url"`
		} `json:"nats"`
		Push struct {
			VAPIDSubject string `json:"vapidSubject"`
		} `json:"push"`
		UserIdleTTLSeconds int `json:"userIdleTTLSeconds"`
	} `json:"relay"`
}

// Load reads configuration from path (if non-empty), falling back to
// the built-in defaults, then applies environment-variable overrides.
func Load(path string) (*Config, error) {
	var raw []byte
	var err error

	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	} else {
		raw = []byte(defaultJSON)
	}

	raw = []byte(os.ExpandEnv(string(raw)))

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Storage.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Storage.Root = filepath.Join(home, ".openclaw")
	}
	if cfg.Relay.History.MaxMessages <= 0 {
		cfg.Relay.History.MaxMessages = 500
	}
	if cfg.Relay.Events.BufferSize <= 0 {
		cfg.Relay.Events.BufferSize = 500
	}
	if cfg.Relay.Streaming.TimeoutSeconds <= 0 {
		cfg.Relay.Streaming.TimeoutSeconds = 30
	}
	if cfg.Relay.UserIdleTTLSeconds <= 0 {
		cfg.Relay.UserIdleTTLSeconds = 3600
	}
	if cfg.Relay.Push.VAPIDSubject == "" {
		cfg.Relay.Push.VAPIDSubject = "mailto:ops@openclaw.dev"
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PWA_CHAT_HOST"); v != "" {
		cfg.Channel.Host = v
	}
	if v := os.Getenv("PWA_CHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Channel.Port = port
		}
	}
	if v := os.Getenv("PWA_CHAT_ENABLED"); v == "false" {
		cfg.Channel.Enabled = false
	} else if v == "true" {
		cfg.Channel.Enabled = true
	}
	if v := os.Getenv("GATEWAY_AUTH_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.Gateway.Auth.JWTSecret = v
	}
	if v := os.Getenv("PWA_CHAT_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("RELAY_NATS_URL"); v != "" {
		cfg.Relay.NATS.URL = v
	}
}

// HistoryDir is the on-disk directory for per-user message logs.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.Storage.Root, "pwa-chat-history")
}

// PushDir is the on-disk directory for push subscriptions and VAPID keys.
func (c *Config) PushDir() string {
	return filepath.Join(c.Storage.Root, "pwa-chat-push")
}

// Addr returns the listener's bind address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Channel.Host, strconv.Itoa(c.Channel.Port))
}
