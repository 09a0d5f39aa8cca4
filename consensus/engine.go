package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/access"
	"github.com/agentfabric/agentfabric/claims"
	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/types"
)

// defaultClosedSessionCap bounds how many closed sessions the engine
// retains for outcome lookups before the oldest are evicted.
const defaultClosedSessionCap = 1024

// Engine runs voting sessions. Votes are gate-checked: a principal without
// the consensus.vote permission is rejected, not silently dropped.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// quorumCh is closed once per session when the vote count first
	// reaches quorum; WaitQuorum blocks on it.
	quorumCh map[string]chan struct{}
	// closedOrder tracks closed session ids oldest-first for eviction.
	closedOrder []string
	closedCap   int

	gate      *access.Gate
	bus       *fabric.Bus
	collector *metrics.Collector
	logger    *zap.Logger
	clock     func() time.Time
	threshold float64
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithDefaultThreshold overrides the threshold CloseSession falls back to
// when the caller passes one outside (0, 1].
func WithDefaultThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// WithClosedSessionCap overrides how many closed sessions are retained for
// outcome lookups. Must be at least 1.
func WithClosedSessionCap(limit int) EngineOption {
	return func(e *Engine) {
		if limit >= 1 {
			e.closedCap = limit
		}
	}
}

// NewEngine creates a consensus engine. gate must not be nil; bus and
// collector may be.
func NewEngine(gate *access.Gate, bus *fabric.Bus, collector *metrics.Collector, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		sessions:  make(map[string]*Session),
		quorumCh:  make(map[string]chan struct{}),
		gate:      gate,
		bus:       bus,
		collector: collector,
		logger:    logger.With(zap.String("component", "consensus_engine")),
		clock:     time.Now,
		threshold: DefaultVetoThreshold,
		closedCap: defaultClosedSessionCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession opens a voting session and returns its id.
func (e *Engine) CreateSession(topic string, options []Option, quorum int) (string, error) {
	if len(options) < 2 {
		return "", types.NewError(types.ErrUnknownOption, "a session needs at least two options")
	}
	if quorum < 1 {
		return "", types.NewErrorf(types.ErrVoteRejected, "quorum must be positive, got %d", quorum)
	}

	session := &Session{
		ID:       uuid.NewString(),
		Topic:    topic,
		Options:  append([]Option(nil), options...),
		Quorum:   quorum,
		Votes:    make(map[string]Vote),
		Status:   StatusOpen,
		OpenedAt: e.clock(),
	}

	e.mu.Lock()
	e.sessions[session.ID] = session
	e.quorumCh[session.ID] = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("opened voting session",
		zap.String("session_id", session.ID),
		zap.String("topic", topic),
		zap.Int("quorum", quorum),
	)
	e.publishOpened(session)
	return session.ID, nil
}

// CastVote records a principal's vote. A second vote from the same
// principal overwrites the first, never duplicates it. Votes on closed
// sessions, unknown options, or from principals the gate denies are
// rejected with an explanatory error.
func (e *Engine) CastVote(sessionID, principalID, optionID, rationale string) error {
	decision := e.gate.CheckAccess(principalID, sessionID, access.ResourceSession, access.PermConsensusVote)
	if !decision.Allowed {
		return types.NewErrorf(types.ErrVoteRejected, "vote rejected: %s", decision.Reason)
	}

	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	if session.Status == StatusClosed {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrSessionClosed, "session %q is closed", sessionID)
	}
	if !session.hasOption(optionID) {
		e.mu.Unlock()
		return types.NewErrorf(types.ErrUnknownOption, "session %q has no option %q", sessionID, optionID)
	}

	session.Votes[principalID] = Vote{
		OptionID:  optionID,
		Rationale: rationale,
		CastAt:    e.clock(),
	}
	// The quorum channel must be closed while holding the lock: two
	// concurrent votes that both see quorum reached would otherwise race
	// to close it twice.
	if len(session.Votes) >= session.Quorum {
		if ch, ok := e.quorumCh[sessionID]; ok {
			select {
			case <-ch:
				// already signalled
			default:
				close(ch)
			}
		}
	}
	e.mu.Unlock()

	e.publishVote(sessionID, principalID, optionID)
	return nil
}

// WaitQuorum blocks until the session's vote count reaches quorum or ctx
// expires. Context expiry returns a CONSENSUS_TIMEOUT error.
func (e *Engine) WaitQuorum(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	ch, ok := e.quorumCh[sessionID]
	e.mu.Unlock()
	if !ok {
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return types.NewErrorf(types.ErrConsensusTimeout,
			"session %q did not reach quorum", sessionID).WithCause(ctx.Err())
	}
}

// CloseSession closes the session exactly once and resolves it under the
// given rule and threshold. A session below quorum, or with a tie, or with
// no option crossing the threshold, yields consensusReached=false rather
// than a default winner. Votes after close are rejected.
func (e *Engine) CloseSession(sessionID string, rule ClosingRule, threshold float64) (*Result, error) {
	if rule != RuleSupermajority {
		return nil, types.NewErrorf(types.ErrUnknownOption, "unknown closing rule %q", rule)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = e.threshold
	}

	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	if session.Status == StatusClosed {
		e.mu.Unlock()
		return nil, types.NewErrorf(types.ErrSessionClosed, "session %q is already closed", sessionID)
	}

	result := resolveSupermajority(session, threshold)
	now := e.clock()
	session.Status = StatusClosed
	session.ClosedAt = &now
	session.Result = result
	duration := now.Sub(session.OpenedAt)
	e.closedOrder = append(e.closedOrder, sessionID)
	for len(e.closedOrder) > e.closedCap {
		oldest := e.closedOrder[0]
		e.closedOrder = e.closedOrder[1:]
		delete(e.sessions, oldest)
		delete(e.quorumCh, oldest)
	}
	e.mu.Unlock()

	e.logger.Info("closed voting session",
		zap.String("session_id", sessionID),
		zap.Bool("consensus_reached", result.ConsensusReached),
		zap.String("winning_option", result.WinningOption),
		zap.Float64("confidence", result.Confidence),
		zap.Int("votes_cast", result.VotesCast),
	)

	outcome := "no_consensus"
	if result.ConsensusReached {
		outcome = "consensus"
	}
	e.collector.RecordVoteSession(outcome, duration)
	e.publishClosed(sessionID, result, duration)
	return result, nil
}

// resolveSupermajority applies the supermajority rule. Caller holds the
// lock.
func resolveSupermajority(session *Session, threshold float64) *Result {
	result := &Result{
		VotesCast: len(session.Votes),
		Threshold: threshold,
	}
	if result.VotesCast < session.Quorum {
		return result
	}

	counts := session.tally()
	leader, leaderCount, tied := "", 0, false
	for optionID, n := range counts {
		switch {
		case n > leaderCount:
			leader, leaderCount, tied = optionID, n, false
		case n == leaderCount:
			tied = true
		}
	}

	share := float64(leaderCount) / float64(result.VotesCast)
	result.Confidence = share
	if !tied && share >= threshold {
		result.ConsensusReached = true
		result.WinningOption = leader
	}
	return result
}

// CloseVeto closes a veto session and reports the per-side tallies.
func (e *Engine) CloseVeto(sessionID string, threshold float64) (*VetoDecision, error) {
	result, err := e.CloseSession(sessionID, RuleSupermajority, threshold)
	if err != nil {
		return nil, err
	}

	// The session is closed; its votes are frozen now.
	e.mu.Lock()
	var votesFor, votesAgainst int
	if session, ok := e.sessions[sessionID]; ok {
		counts := session.tally()
		votesFor = counts[OptionVeto]
		votesAgainst = counts[OptionApprove]
	}
	e.mu.Unlock()
	return &VetoDecision{
		Vetoed:       result.ConsensusReached && result.WinningOption == OptionVeto,
		VotesFor:     votesFor,
		VotesAgainst: votesAgainst,
		Confidence:   result.Confidence,
		Threshold:    result.Threshold,
	}, nil
}

// GetSession returns a copy of a session.
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	return session.clone(), nil
}

// ListSessions returns copies of every session, open and closed.
func (e *Engine) ListSessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.clone())
	}
	return out
}

// SessionOutcome implements claims.SessionLookup so the claim validator can
// test assertions about recorded vote outcomes.
func (e *Engine) SessionOutcome(sessionID string) (claims.SessionOutcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		return claims.SessionOutcome{}, false
	}
	out := claims.SessionOutcome{Closed: session.Status == StatusClosed}
	if session.Result != nil {
		out.ConsensusReached = session.Result.ConsensusReached
		out.WinningOption = session.Result.WinningOption
	}
	return out, true
}

func (e *Engine) publishOpened(session *Session) {
	if e.bus == nil {
		return
	}
	optionIDs := make([]string, len(session.Options))
	for i, o := range session.Options {
		optionIDs[i] = o.ID
	}
	evt := e.bus.NewEvent("consensus_engine", fabric.SessionOpened{
		SessionID: session.ID,
		Topic:     session.Topic,
		Quorum:    session.Quorum,
		Options:   optionIDs,
	})
	if _, err := e.bus.Publish(evt); err != nil {
		e.logger.Warn("failed to publish consensus.session.opened", zap.Error(err))
	}
}

func (e *Engine) publishVote(sessionID, principalID, optionID string) {
	if e.bus == nil {
		return
	}
	evt := e.bus.NewEvent("consensus_engine", fabric.VoteCast{
		SessionID:   sessionID,
		PrincipalID: principalID,
		OptionID:    optionID,
	})
	if _, err := e.bus.Publish(evt); err != nil {
		e.logger.Warn("failed to publish consensus.vote.cast", zap.Error(err))
	}
}

func (e *Engine) publishClosed(sessionID string, result *Result, duration time.Duration) {
	if e.bus == nil {
		return
	}
	evt := e.bus.NewEvent("consensus_engine", fabric.SessionClosed{
		SessionID:        sessionID,
		ConsensusReached: result.ConsensusReached,
		WinningOption:    result.WinningOption,
		Confidence:       result.Confidence,
		VotesCast:        result.VotesCast,
		DurationMS:       duration.Milliseconds(),
	})
	if _, err := e.bus.Publish(evt); err != nil {
		e.logger.Warn("failed to publish consensus.session.closed", zap.Error(err))
	}
}
