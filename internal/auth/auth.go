package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the bridge API.
const (
	ScopeAll        = "*"
	ScopeCallsRW    = "calls:rw"
	ScopeCallsRO    = "calls:ro"
	ScopeExecutorRW = "executor:rw"
	ScopeEventsRO   = "events:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// Anonymous is the principal used when authentication is disabled.
var Anonymous = Principal{Scopes: map[string]struct{}{ScopeAll: {}}}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator checks bearer tokens against the configured api key and tokens.
type Authenticator struct {
	apiKey string
	tokens []TokenConfig
}

func NewAuthenticator(apiKey string, tokens []TokenConfig) *Authenticator {
	return &Authenticator{apiKey: apiKey, tokens: tokens}
}

// Enabled is false when no api key and no tokens are configured.
// The bridge then accepts every request as Anonymous.
func (a *Authenticator) Enabled() bool {
	if a == nil {
		return false
	}
	return a.apiKey != "" || len(a.tokens) > 0
}

// Authenticate resolves the principal for a request.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.Enabled() {
		return Anonymous, nil
	}
	presented, err := ExtractBearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := Authenticate(presented, a.apiKey, a.tokens)
	if !ok {
		return Principal{}, errors.New("invalid API key")
	}
	return p, nil
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If apiKey matches, it authenticates as admin with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return NewPrincipal(presented, t.Scopes), true
		}
	}
	return Principal{}, false
}

// NewPrincipal builds the principal a token with the given scopes resolves to.
func NewPrincipal(token string, scopes []string) Principal {
	return Principal{Token: token, Scopes: normalizeScopes(scopes)}
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Making calls implies reading the call log.
	if _, ok := out[ScopeCallsRW]; ok {
		out[ScopeCallsRO] = struct{}{}
	}
	return out
}

// KnownScope reports whether s is a scope the bridge checks.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeCallsRW, ScopeCallsRO, ScopeExecutorRW, ScopeEventsRO:
		return true
	}
	return false
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
