package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuthenticator_RoundTrip(t *testing.T) {
	gate := newTestGate(t)
	require.NoError(t, gate.RegisterPrincipal(Principal{
		ID: "agent-1", Type: PrincipalAgent, Roles: []string{"agent"},
	}))

	auth := NewTokenAuthenticator([]byte("test-secret"), "agentfabric", time.Minute, gate)

	token, err := auth.Issue("agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	p, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.ID)
	assert.Equal(t, PrincipalAgent, p.Type)
}

func TestTokenAuthenticator_UnknownPrincipal(t *testing.T) {
	gate := newTestGate(t)
	auth := NewTokenAuthenticator([]byte("test-secret"), "agentfabric", time.Minute, gate)

	_, err := auth.Issue("ghost")
	assert.Error(t, err)
}

func TestTokenAuthenticator_RevokedPrincipalRejected(t *testing.T) {
	gate := newTestGate(t)
	require.NoError(t, gate.RegisterPrincipal(Principal{
		ID: "agent-1", Type: PrincipalAgent, Roles: []string{"agent"},
	}))
	auth := NewTokenAuthenticator([]byte("test-secret"), "agentfabric", time.Minute, gate)

	token, err := auth.Issue("agent-1")
	require.NoError(t, err)

	gate.RevokePrincipal("agent-1")
	_, err = auth.Authenticate(token)
	assert.Error(t, err, "a token must not outlive its principal")
}

func TestTokenAuthenticator_TamperedToken(t *testing.T) {
	gate := newTestGate(t)
	require.NoError(t, gate.RegisterPrincipal(Principal{
		ID: "agent-1", Type: PrincipalAgent, Roles: []string{"agent"},
	}))
	auth := NewTokenAuthenticator([]byte("test-secret"), "agentfabric", time.Minute, gate)
	other := NewTokenAuthenticator([]byte("other-secret"), "agentfabric", time.Minute, gate)

	token, err := other.Issue("agent-1")
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}

func TestTokenAuthenticator_ExpiredToken(t *testing.T) {
	gate := newTestGate(t)
	require.NoError(t, gate.RegisterPrincipal(Principal{
		ID: "agent-1", Type: PrincipalAgent, Roles: []string{"agent"},
	}))

	auth := NewTokenAuthenticator([]byte("test-secret"), "agentfabric", time.Minute, gate)
	auth.clock = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := auth.Issue("agent-1")
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}
