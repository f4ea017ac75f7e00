package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator("", nil)
	assert.False(t, a.Enabled())

	p, err := a.Authenticate(httptest.NewRequest("GET", "/status", nil))
	require.NoError(t, err)
	assert.True(t, HasAnyScope(p, ScopeExecutorRW))
}

func TestAuthenticatorAPIKey(t *testing.T) {
	a := NewAuthenticator("secret", nil)
	require.True(t, a.Enabled())

	req := httptest.NewRequest("GET", "/", nil)
	_, err := a.Authenticate(req)
	assert.EqualError(t, err, "missing Authorization header")

	req.Header.Set("Authorization", "Token secret")
	_, err = a.Authenticate(req)
	assert.EqualError(t, err, "invalid Authorization header format")

	req.Header.Set("Authorization", "Bearer nope")
	_, err = a.Authenticate(req)
	assert.EqualError(t, err, "invalid API key")

	req.Header.Set("Authorization", "Bearer  secret ")
	p, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.True(t, HasAnyScope(p, ScopeCallsRW))
}

func TestScopedTokens(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "caller", Scopes: []string{ScopeCallsRW}},
		{Token: "plugin", Scopes: []string{" executor:rw ", ""}},
	}

	p, ok := Authenticate("caller", "", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeCallsRO), "calls:rw implies calls:ro")
	assert.False(t, HasAnyScope(p, ScopeExecutorRW))

	p, ok = Authenticate("plugin", "", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeExecutorRW))
	assert.False(t, HasAnyScope(p, ScopeEventsRO))

	_, ok = Authenticate("", "", tokens)
	assert.False(t, ok, "empty token never matches")
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope("events:ro"))
	assert.False(t, KnownScope("jobs:rw"))
}
