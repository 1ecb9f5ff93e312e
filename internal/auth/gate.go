// Package auth implements the relay's AuthGate: the single decision
// point for whether an incoming WebSocket upgrade or HTTP call is
// permitted.
package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TrustedProxyHeader is the header an upstream reverse proxy sets
// once it has already authenticated the caller (e.g. a Tailscale
// identity-aware proxy).
const TrustedProxyHeader = "Tailscale-User-Login"

// Gate evaluates whether a request is authorized to open a relay
// connection or call a control-surface endpoint.
type Gate struct {
	token     string
	jwtSecret []byte
}

// New builds a Gate. token is the plain shared secret configured via
// gateway.auth.token; jwtSecret, if non-empty, additionally accepts a
// caller-provided HS256 JWT signed with it.
func New(token, jwtSecret string) *Gate {
	g := &Gate{token: token}
	if jwtSecret != "" {
		g.jwtSecret = []byte(jwtSecret)
	}
	return g
}

// Allow evaluates the four paths in priority order, first match wins:
// trusted-proxy header, loopback peer, no token configured, or a
// caller secret matching the configured token/JWT.
func (g *Gate) Allow(r *http.Request) bool {
	if r.Header.Get(TrustedProxyHeader) != "" {
		return true
	}
	if isLoopback(r.RemoteAddr) {
		return true
	}
	if g.token == "" && len(g.jwtSecret) == 0 {
		return true
	}
	secret, ok := extractSecret(r)
	if !ok {
		return false
	}
	if g.token != "" && secret == g.token {
		return true
	}
	if len(g.jwtSecret) > 0 && g.verifyJWT(secret) {
		return true
	}
	return false
}

func (g *Gate) verifyJWT(tokenString string) bool {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.jwtSecret, nil
	})
	return err == nil && token.Valid
}

// extractSecret checks, in order: Authorization header (optionally
// "Bearer "-prefixed), X-Auth-Token header, then the "token" query
// parameter.
func extractSecret(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok, true
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// RejectWebSocket writes a 401 response to a rejected upgrade request
// and marks the connection to be closed once that response is sent.
func RejectWebSocket(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RejectHTTP writes a 401 JSON body for a rejected control-surface call.
func RejectHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
