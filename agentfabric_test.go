package agentfabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/access"
	"github.com/agentfabric/agentfabric/config"
	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/orchestrator"
)

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Execute(_ context.Context, taskID, _ string) (string, error) {
	return "handled " + taskID, nil
}

func TestNew_EndToEndHandoff(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.BaseDelay = time.Millisecond

	f, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, f.Gate.RegisterPrincipal(access.Principal{
		ID: "agent-src", Type: access.PrincipalAgent, Roles: []string{"agent"},
	}))
	f.Orchestrator.RegisterAgent("agent-tgt", "worker", 2)
	f.Orchestrator.SetChain("worker", orchestrator.ChainEntry{Provider: echoProvider{}})

	done := make(chan fabric.Event, 1)
	f.Bus.Subscribe(fabric.EventHandoffCompleted, func(evt fabric.Event) error {
		done <- evt
		return nil
	})

	id, err := f.Orchestrator.InitiateHandoff(context.Background(), orchestrator.InitiateRequest{
		SourceAgentID: "agent-src",
		TargetAgentID: "agent-tgt",
		TaskID:        "task-42",
		Context:       "ship it",
	})
	require.NoError(t, err)

	select {
	case evt := <-done:
		payload := evt.Payload.(fabric.HandoffLifecycle)
		assert.Equal(t, id, payload.HandoffID)
		assert.Equal(t, "handled task-42", payload.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("handoff never completed")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.VetoThreshold = 2.0
	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestNew_TokenAuthenticatorFollowsAuthConfig(t *testing.T) {
	f, err := New(config.Default(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, f.Tokens, "no secret, no authenticator")
	require.NoError(t, f.Close())

	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"
	f, err = New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.NotNil(t, f.Tokens)

	require.NoError(t, f.Gate.RegisterPrincipal(access.Principal{
		ID: "agent-src", Type: access.PrincipalAgent, Roles: []string{"agent"},
	}))
	token, err := f.Tokens.Issue("agent-src")
	require.NoError(t, err)
	p, err := f.Tokens.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-src", p.ID)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	f, err := New(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, f.Bus)
	assert.NotNil(t, f.Orchestrator)
	require.NoError(t, f.Close())
}
