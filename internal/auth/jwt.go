// Package auth verifies the optional JWT (HS256) carried on the voice
// WebSocket handshake, per spec §6's Auth section. A local/dev mode
// bypasses verification entirely for environments with no secret
// configured.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the JWT payload the voice WS cares about.
type Claims struct {
	jwt.RegisteredClaims
	Agent string `json:"agent"`
}

// Verifier validates the bearer token on a WS upgrade request.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	bypass   bool
}

// Config configures a Verifier from VOICE_JWT_* environment variables.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Bypass   bool
}

// NewVerifier builds a Verifier. If cfg.Bypass is true or cfg.Secret is
// empty, every request is accepted without verification (local/dev mode).
func NewVerifier(cfg Config) *Verifier {
	audience := cfg.Audience
	if audience == "" {
		audience = "voice-ws"
	}
	return &Verifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: audience,
		bypass:   cfg.Bypass || cfg.Secret == "",
	}
}

// ErrMissingToken is returned when no bearer token is present and bypass
// is not enabled.
var ErrMissingToken = errors.New("auth: missing bearer token")

// ErrUnknownAgent is returned when the token's agent claim is empty.
var ErrUnknownAgent = errors.New("auth: unknown agent")

// Verify extracts and validates the bearer token from r (Authorization
// header, falling back to the ?token= query parameter) and returns the
// parsed Claims. In bypass mode it returns a synthetic Claims without
// reading the request at all.
func (v *Verifier) Verify(r *http.Request) (*Claims, error) {
	if v.bypass {
		return &Claims{Agent: "local"}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("auth: unexpected issuer %q", claims.Issuer)
	}
	if !claimsHaveAudience(claims, v.audience) {
		return nil, fmt.Errorf("auth: unexpected audience")
	}
	if strings.TrimSpace(claims.Agent) == "" {
		return nil, ErrUnknownAgent
	}
	return claims, nil
}

func claimsHaveAudience(claims *Claims, want string) bool {
	if want == "" {
		return true
	}
	for _, a := range claims.Audience {
		if a == want {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(h, prefix))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// CloseCodeForError maps a Verify error to the WS close code spec §6
// specifies: 4001 for a missing/invalid token, 1008 for an unknown agent.
func CloseCodeForError(err error) int {
	if errors.Is(err, ErrUnknownAgent) {
		return 1008
	}
	return 4001
}
