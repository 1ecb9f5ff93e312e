package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestAllowsLoopbackRegardlessOfToken(t *testing.T) {
	g := New("secret", "")
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	if !g.Allow(r) {
		t.Fatalf("expected loopback caller to be allowed")
	}
}

func TestAllowsLoopbackV6Mapped(t *testing.T) {
	g := New("secret", "")
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "[::ffff:127.0.0.1]:5555"
	if !g.Allow(r) {
		t.Fatalf("expected v6-mapped loopback caller to be allowed")
	}
}

func TestAllowsTrustedProxyHeader(t *testing.T) {
	g := New("secret", "")
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	r.Header.Set(TrustedProxyHeader, "someone@example.com")
	if !g.Allow(r) {
		t.Fatalf("expected trusted-proxy header to bypass the token check")
	}
}

func TestAllowsAnyoneWhenNoTokenConfigured(t *testing.T) {
	g := New("", "")
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	if !g.Allow(r) {
		t.Fatalf("expected open access when no gateway token is configured")
	}
}

func TestRejectsNonLoopbackWithoutMatchingToken(t *testing.T) {
	g := New("secret", "")
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	if g.Allow(r) {
		t.Fatalf("expected rejection without a matching secret")
	}
}

func TestAcceptsBearerQueryAndCustomHeaderSecrets(t *testing.T) {
	g := New("secret", "")

	r1 := httptest.NewRequest("GET", "/ws", nil)
	r1.RemoteAddr = "203.0.113.9:5555"
	r1.Header.Set("Authorization", "Bearer secret")
	if !g.Allow(r1) {
		t.Fatalf("expected Authorization bearer token to be accepted")
	}

	r2 := httptest.NewRequest("GET", "/ws", nil)
	r2.RemoteAddr = "203.0.113.9:5555"
	r2.Header.Set("X-Auth-Token", "secret")
	if !g.Allow(r2) {
		t.Fatalf("expected X-Auth-Token header to be accepted")
	}

	r3 := httptest.NewRequest("GET", "/ws?token=secret", nil)
	r3.RemoteAddr = "203.0.113.9:5555"
	if !g.Allow(r3) {
		t.Fatalf("expected token query parameter to be accepted")
	}
}

func TestAcceptsValidJWTWhenSecretConfigured(t *testing.T) {
	g := New("", "jwt-secret")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"})
	signed, err := tok.SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws?token="+signed, nil)
	r.RemoteAddr = "203.0.113.9:5555"
	if !g.Allow(r) {
		t.Fatalf("expected a validly signed JWT to be accepted")
	}
}
