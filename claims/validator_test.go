package claims

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/internal/audit"
)

// recordingSink captures audit entries for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// mapLookup implements SessionLookup over a fixed map.
type mapLookup map[string]SessionOutcome

func (m mapLookup) SessionOutcome(id string) (SessionOutcome, bool) {
	o, ok := m[id]
	return o, ok
}

func newTestValidator(t *testing.T, cfg Config, lookup SessionLookup) (*Validator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	return NewValidator(cfg, lookup, sink, nil, zap.NewNop()), sink
}

func TestValidator_CleanClaimPasses(t *testing.T) {
	v, sink := newTestValidator(t, DefaultConfig(), nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-1",
		Text:          "The parser handles empty input by returning an empty slice.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.False(t, verdict.IsHallucination)
	assert.False(t, verdict.VetoRecommended)
	assert.Equal(t, SeverityLow, verdict.Severity)
	assert.Equal(t, 1, sink.len(), "every check is audited")
}

func TestValidator_RuleMatch(t *testing.T) {
	v, _ := newTestValidator(t, DefaultConfig(), nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-2",
		Text:          "According to the official documentation, this API never fails.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.Equal(t, TypeFabricatedFact, verdict.Type)
	assert.GreaterOrEqual(t, verdict.Confidence, 0.7)
	assert.True(t, verdict.VetoRecommended)
	assert.Contains(t, verdict.Sources, "rule_match")
}

func TestValidator_PathTraversalReference(t *testing.T) {
	v, _ := newTestValidator(t, DefaultConfig(), nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-3",
		Text:          "The secret is defined in ../../etc/shadow.conf as documented.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.Equal(t, TypeInvalidReference, verdict.Type)
	assert.InDelta(t, 0.95, verdict.Confidence, 1e-9)
	assert.Equal(t, SeverityCritical, verdict.Severity)
}

func TestValidator_UnresolvableReference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReferenceChecker = func(ref string) bool { return ref == "main.go" }
	v, _ := newTestValidator(t, cfg, nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-4",
		Text:          "The fix lives in nonexistent.go next to main.go.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.Equal(t, TypeInvalidReference, verdict.Type)
	assert.InDelta(t, 0.8, verdict.Confidence, 1e-9)
}

func TestValidator_CrossClaimContradiction(t *testing.T) {
	v, _ := newTestValidator(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := v.CheckClaim(ctx, Claim{
		ID:            "c-5",
		Text:          "The feature flag is enabled in production.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	verdict, err := v.CheckClaim(ctx, Claim{
		ID:            "c-6",
		Text:          "The feature flag is disabled in production.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.Equal(t, TypeContradiction, verdict.Type)
	assert.Contains(t, verdict.Sources, "cross_claim_contradiction")
}

func TestValidator_ContradictionScopedToSource(t *testing.T) {
	v, _ := newTestValidator(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := v.CheckClaim(ctx, Claim{
		ID: "c-7", Text: "The test passes on CI.", SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	// A different source saying the opposite is disagreement, not
	// self-contradiction.
	verdict, err := v.CheckClaim(ctx, Claim{
		ID: "c-8", Text: "The test fails on CI.", SourceAgentID: "agent-2",
	})
	require.NoError(t, err)
	assert.False(t, verdict.IsHallucination)
}

func TestValidator_ConsensusMismatch(t *testing.T) {
	lookup := mapLookup{
		"sess-1": {Closed: true, ConsensusReached: true, WinningOption: "approve"},
	}
	v, _ := newTestValidator(t, DefaultConfig(), lookup)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-9",
		Text:          "The review board vetoed this change.",
		SourceAgentID: "agent-1",
		Metadata: map[string]string{
			MetaSessionID:      "sess-1",
			MetaAssertedOption: "veto",
		},
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.Equal(t, TypeConsensusMismatch, verdict.Type)
	assert.InDelta(t, 0.85, verdict.Confidence, 1e-9)
	assert.True(t, verdict.VetoRecommended)
}

func TestValidator_ConsensusAgreementPasses(t *testing.T) {
	lookup := mapLookup{
		"sess-1": {Closed: true, ConsensusReached: true, WinningOption: "approve"},
	}
	v, _ := newTestValidator(t, DefaultConfig(), lookup)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-10",
		Text:          "The review board approved this change.",
		SourceAgentID: "agent-1",
		Metadata: map[string]string{
			MetaSessionID:      "sess-1",
			MetaAssertedOption: "approve",
		},
	})
	require.NoError(t, err)
	assert.False(t, verdict.IsHallucination)
}

func TestValidator_SignalFailureFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = append(cfg.Rules, Rule{
		ID:         "broken",
		Confidence: 0.4,
		Match:      func(Claim) bool { panic("rule blew up") },
	})
	v, _ := newTestValidator(t, cfg, nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-11",
		Text:          "A perfectly ordinary claim.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination, "internal failure must not pass silently")
	assert.Equal(t, TypeValidatorFailure, verdict.Type)
	assert.InDelta(t, 0.9, verdict.Confidence, 1e-9)
}

func TestValidator_AutoVetoDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoVeto = false
	v, _ := newTestValidator(t, cfg, nil)

	verdict, err := v.CheckClaim(context.Background(), Claim{
		ID:            "c-12",
		Text:          "According to the official documentation, this never fails.",
		SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	assert.True(t, verdict.IsHallucination)
	assert.False(t, verdict.VetoRecommended)
}

func TestValidator_PublishesClaimChecked(t *testing.T) {
	bus := fabric.NewBus(zap.NewNop())
	var got []fabric.ClaimChecked
	bus.Subscribe(fabric.EventClaimChecked, func(e fabric.Event) error {
		got = append(got, e.Payload.(fabric.ClaimChecked))
		return nil
	})

	v := NewValidator(DefaultConfig(), nil, audit.NopSink{}, bus, zap.NewNop())
	_, err := v.CheckClaim(context.Background(), Claim{
		ID: "c-13", Text: "Plain statement.", SourceAgentID: "agent-1",
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "c-13", got[0].ClaimID)
}

func TestValidator_EmptyTextRejected(t *testing.T) {
	v, _ := newTestValidator(t, DefaultConfig(), nil)
	_, err := v.CheckClaim(context.Background(), Claim{ID: "c-14", SourceAgentID: "a"})
	assert.Error(t, err)
}

func TestHistory_BoundedPerSource(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.add(Claim{
			ID:            string(rune('a' + i)),
			Text:          "x",
			SourceAgentID: "agent-1",
			Timestamp:     time.Now(),
		})
	}

	retained := h.forSource("agent-1")
	require.Len(t, retained, 3)
	assert.Equal(t, "c", retained[0].ID, "oldest claims are evicted first")

	_, ok := h.get("a")
	assert.False(t, ok, "evicted claims leave the id index")
	_, ok = h.get("e")
	assert.True(t, ok)
}
