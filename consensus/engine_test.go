package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/access"
	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/types"
)

func newTestEngine(t *testing.T, reviewers int) (*Engine, *access.Gate) {
	t.Helper()
	gate := access.NewGate(access.DefaultRoles(), access.DefaultResourceTypes(), zap.NewNop())
	for i := 0; i < reviewers; i++ {
		require.NoError(t, gate.RegisterPrincipal(access.Principal{
			ID:    fmt.Sprintf("reviewer-%d", i),
			Type:  access.PrincipalAgent,
			Roles: []string{"reviewer"},
		}))
	}
	return NewEngine(gate, nil, nil, zap.NewNop()), gate
}

func castVotes(t *testing.T, e *Engine, sessionID string, votes map[string]string) {
	t.Helper()
	for principal, option := range votes {
		require.NoError(t, e.CastVote(sessionID, principal, option, ""))
	}
}

func TestEngine_SupermajorityNumericLaw(t *testing.T) {
	// 5 veto vs 1 approve out of 6: 5/6 ≈ 0.8333 ≥ 0.833 ⇒ consensus.
	e, _ := newTestEngine(t, 6)
	id, err := e.CreateSession("veto handoff h-1", VetoOptions(), 6)
	require.NoError(t, err)

	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto, "reviewer-2": OptionVeto,
		"reviewer-3": OptionVeto, "reviewer-4": OptionVeto, "reviewer-5": OptionApprove,
	})

	result, err := e.CloseSession(id, RuleSupermajority, DefaultVetoThreshold)
	require.NoError(t, err)
	assert.True(t, result.ConsensusReached)
	assert.Equal(t, OptionVeto, result.WinningOption)
	assert.InDelta(t, 5.0/6.0, result.Confidence, 1e-9)

	// 4 vs 2: 0.667 < 0.833 ⇒ no consensus.
	e2, _ := newTestEngine(t, 6)
	id2, err := e2.CreateSession("veto handoff h-2", VetoOptions(), 6)
	require.NoError(t, err)
	castVotes(t, e2, id2, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto,
		"reviewer-2": OptionVeto, "reviewer-3": OptionVeto,
		"reviewer-4": OptionApprove, "reviewer-5": OptionApprove,
	})

	result2, err := e2.CloseSession(id2, RuleSupermajority, DefaultVetoThreshold)
	require.NoError(t, err)
	assert.False(t, result2.ConsensusReached)
	assert.Empty(t, result2.WinningOption)
}

func TestEngine_ConcurrentVotesSignalQuorumOnce(t *testing.T) {
	// Concurrent voters on a quorum-1 session all observe quorum reached;
	// the signal channel must still be closed exactly once.
	e, _ := newTestEngine(t, 8)
	for round := 0; round < 300; round++ {
		id, err := e.CreateSession("veto handoff load", VetoOptions(), 1)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, e.CastVote(id, fmt.Sprintf("reviewer-%d", i), OptionVeto, ""))
			}(i)
		}
		wg.Wait()
		require.NoError(t, e.WaitQuorum(context.Background(), id))
	}
}

func TestEngine_ClosedSessionsEvictedPastCap(t *testing.T) {
	gate := access.NewGate(access.DefaultRoles(), access.DefaultResourceTypes(), zap.NewNop())
	require.NoError(t, gate.RegisterPrincipal(access.Principal{
		ID: "reviewer-0", Type: access.PrincipalAgent, Roles: []string{"reviewer"},
	}))
	e := NewEngine(gate, nil, nil, zap.NewNop(), WithClosedSessionCap(2))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.CreateSession(fmt.Sprintf("veto handoff h-%d", i), VetoOptions(), 1)
		require.NoError(t, err)
		castVotes(t, e, id, map[string]string{"reviewer-0": OptionVeto})
		_, err = e.CloseSession(id, RuleSupermajority, DefaultVetoThreshold)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := e.GetSession(ids[0])
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
	for _, id := range ids[1:] {
		_, err := e.GetSession(id)
		assert.NoError(t, err)
	}

	// Open sessions are never evicted, whatever the cap.
	open, err := e.CreateSession("veto handoff open", VetoOptions(), 1)
	require.NoError(t, err)
	_, err = e.GetSession(open)
	assert.NoError(t, err)
}

func TestEngine_DefaultThresholdOption(t *testing.T) {
	gate := access.NewGate(access.DefaultRoles(), access.DefaultResourceTypes(), zap.NewNop())
	for i := 0; i < 4; i++ {
		require.NoError(t, gate.RegisterPrincipal(access.Principal{
			ID:    fmt.Sprintf("reviewer-%d", i),
			Type:  access.PrincipalAgent,
			Roles: []string{"reviewer"},
		}))
	}
	e := NewEngine(gate, nil, nil, zap.NewNop(), WithDefaultThreshold(0.6))

	id, err := e.CreateSession("veto handoff h-3", VetoOptions(), 4)
	require.NoError(t, err)
	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto,
		"reviewer-2": OptionVeto, "reviewer-3": OptionApprove,
	})

	// threshold 0 falls back to the engine default; 3/4 = 0.75 >= 0.6.
	result, err := e.CloseSession(id, RuleSupermajority, 0)
	require.NoError(t, err)
	assert.True(t, result.ConsensusReached)
	assert.InDelta(t, 0.6, result.Threshold, 1e-9)
}

func TestEngine_BelowQuorumNoConsensus(t *testing.T) {
	e, _ := newTestEngine(t, 6)
	id, err := e.CreateSession("veto", VetoOptions(), 4)
	require.NoError(t, err)

	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto,
	})

	result, err := e.CloseSession(id, RuleSupermajority, 0.5)
	require.NoError(t, err)
	assert.False(t, result.ConsensusReached, "below quorum never yields a winner")
	assert.Empty(t, result.WinningOption)
}

func TestEngine_TieNoConsensus(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	id, err := e.CreateSession("tie", VetoOptions(), 2)
	require.NoError(t, err)

	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionApprove,
	})

	result, err := e.CloseSession(id, RuleSupermajority, 0.5)
	require.NoError(t, err)
	assert.False(t, result.ConsensusReached)
}

func TestEngine_VoteOverwritesNotDuplicates(t *testing.T) {
	e, _ := newTestEngine(t, 3)
	id, err := e.CreateSession("flip", VetoOptions(), 1)
	require.NoError(t, err)

	require.NoError(t, e.CastVote(id, "reviewer-0", OptionVeto, "first thoughts"))
	require.NoError(t, e.CastVote(id, "reviewer-0", OptionApprove, "changed my mind"))

	session, err := e.GetSession(id)
	require.NoError(t, err)
	require.Len(t, session.Votes, 1)
	assert.Equal(t, OptionApprove, session.Votes["reviewer-0"].OptionID)
}

func TestEngine_UnauthorizedVoteRejected(t *testing.T) {
	e, gate := newTestEngine(t, 1)
	require.NoError(t, gate.RegisterPrincipal(access.Principal{
		ID: "bystander", Type: access.PrincipalUser, Roles: []string{"viewer"},
	}))

	id, err := e.CreateSession("gated", VetoOptions(), 1)
	require.NoError(t, err)

	err = e.CastVote(id, "bystander", OptionVeto, "")
	require.Error(t, err, "the caller must be told, not silently dropped")
	assert.Equal(t, types.ErrVoteRejected, types.GetErrorCode(err))

	err = e.CastVote(id, "ghost", OptionVeto, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrVoteRejected, types.GetErrorCode(err))
}

func TestEngine_ClosedSessionIsTerminal(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	id, err := e.CreateSession("terminal", VetoOptions(), 1)
	require.NoError(t, err)
	castVotes(t, e, id, map[string]string{"reviewer-0": OptionVeto})

	_, err = e.CloseSession(id, RuleSupermajority, 0.5)
	require.NoError(t, err)

	err = e.CastVote(id, "reviewer-1", OptionApprove, "")
	assert.Equal(t, types.ErrSessionClosed, types.GetErrorCode(err))

	_, err = e.CloseSession(id, RuleSupermajority, 0.5)
	assert.Equal(t, types.ErrSessionClosed, types.GetErrorCode(err), "a session closes exactly once")
}

func TestEngine_WaitQuorum(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	id, err := e.CreateSession("wait", VetoOptions(), 2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- e.WaitQuorum(ctx, id)
	}()

	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto,
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitQuorum never returned after quorum was reached")
	}
}

func TestEngine_WaitQuorumTimeout(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	id, err := e.CreateSession("starved", VetoOptions(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.WaitQuorum(ctx, id)
	require.Error(t, err)
	assert.Equal(t, types.ErrConsensusTimeout, types.GetErrorCode(err))
}

func TestEngine_CloseVetoTallies(t *testing.T) {
	e, _ := newTestEngine(t, 6)
	id, err := e.CreateSession("veto tallies", VetoOptions(), 6)
	require.NoError(t, err)
	castVotes(t, e, id, map[string]string{
		"reviewer-0": OptionVeto, "reviewer-1": OptionVeto, "reviewer-2": OptionVeto,
		"reviewer-3": OptionVeto, "reviewer-4": OptionVeto, "reviewer-5": OptionApprove,
	})

	decision, err := e.CloseVeto(id, DefaultVetoThreshold)
	require.NoError(t, err)
	assert.True(t, decision.Vetoed)
	assert.Equal(t, 5, decision.VotesFor)
	assert.Equal(t, 1, decision.VotesAgainst)
	assert.InDelta(t, DefaultVetoThreshold, decision.Threshold, 1e-9)
}

func TestEngine_SessionOutcomeLookup(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	id, err := e.CreateSession("lookup", VetoOptions(), 1)
	require.NoError(t, err)

	outcome, ok := e.SessionOutcome(id)
	require.True(t, ok)
	assert.False(t, outcome.Closed)

	castVotes(t, e, id, map[string]string{"reviewer-0": OptionApprove})
	_, err = e.CloseSession(id, RuleSupermajority, 0.5)
	require.NoError(t, err)

	outcome, ok = e.SessionOutcome(id)
	require.True(t, ok)
	assert.True(t, outcome.Closed)
	assert.True(t, outcome.ConsensusReached)
	assert.Equal(t, OptionApprove, outcome.WinningOption)

	_, ok = e.SessionOutcome("nonexistent")
	assert.False(t, ok)
}

func TestEngine_ConcurrentVotesLastWriterWins(t *testing.T) {
	e, _ := newTestEngine(t, 8)
	id, err := e.CreateSession("concurrent", VetoOptions(), 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			principal := fmt.Sprintf("reviewer-%d", i%4)
			option := OptionVeto
			if i%2 == 0 {
				option = OptionApprove
			}
			assert.NoError(t, e.CastVote(id, principal, option, ""))
		}(i)
	}
	wg.Wait()

	session, err := e.GetSession(id)
	require.NoError(t, err)
	assert.Len(t, session.Votes, 4, "one retained vote per principal")
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	bus := fabric.NewBus(zap.NewNop())
	var opened, votes, closed int
	bus.Subscribe(fabric.EventSessionOpened, func(fabric.Event) error { opened++; return nil })
	bus.Subscribe(fabric.EventVoteCast, func(fabric.Event) error { votes++; return nil })
	bus.Subscribe(fabric.EventSessionClosed, func(fabric.Event) error { closed++; return nil })

	gate := access.NewGate(access.DefaultRoles(), access.DefaultResourceTypes(), zap.NewNop())
	require.NoError(t, gate.RegisterPrincipal(access.Principal{
		ID: "reviewer-0", Type: access.PrincipalAgent, Roles: []string{"reviewer"},
	}))
	e := NewEngine(gate, bus, nil, zap.NewNop())

	id, err := e.CreateSession("events", VetoOptions(), 1)
	require.NoError(t, err)
	require.NoError(t, e.CastVote(id, "reviewer-0", OptionVeto, ""))
	_, err = e.CloseSession(id, RuleSupermajority, 0.5)
	require.NoError(t, err)

	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, votes)
	assert.Equal(t, 1, closed)
}
