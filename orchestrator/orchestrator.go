package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentfabric/agentfabric/access"
	"github.com/agentfabric/agentfabric/claims"
	"github.com/agentfabric/agentfabric/consensus"
	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/internal/audit"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/types"
)

// defaultAgentType is used for target agents that were never registered.
const defaultAgentType = "default"

// Config tunes the orchestrator's retry pacing, veto sessions, and
// per-agent capacity.
type Config struct {
	// Retry is the per-provider retry policy. Chain entries may override
	// MaxAttempts individually.
	Retry RetryPolicy

	// ProviderTimeout bounds a single provider attempt when the chain
	// entry carries no timeout of its own.
	ProviderTimeout time.Duration

	// VetoQuorum is the number of reviewer votes a veto session waits for.
	VetoQuorum int

	// VetoThreshold is the vote share required to veto.
	VetoThreshold float64

	// VetoTimeout bounds how long a handoff waits for quorum. A session
	// that never reaches quorum is treated as "no veto": the handoff
	// completes. Availability over caution.
	VetoTimeout time.Duration

	// DefaultCapacity is the concurrency cap for unregistered target
	// agents. Handoffs beyond capacity queue in FIFO order.
	DefaultCapacity int64
}

// DefaultConfig returns the stock orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Retry:           DefaultRetryPolicy(),
		ProviderTimeout: 30 * time.Second,
		VetoQuorum:      3,
		VetoThreshold:   consensus.DefaultVetoThreshold,
		VetoTimeout:     30 * time.Second,
		DefaultCapacity: 4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	c.Retry = c.Retry.normalized()
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.VetoQuorum < 1 {
		c.VetoQuorum = d.VetoQuorum
	}
	if c.VetoThreshold <= 0 || c.VetoThreshold > 1 {
		c.VetoThreshold = d.VetoThreshold
	}
	if c.VetoTimeout <= 0 {
		c.VetoTimeout = d.VetoTimeout
	}
	if c.DefaultCapacity < 1 {
		c.DefaultCapacity = d.DefaultCapacity
	}
	return c
}

// Deps are the orchestrator's collaborators. Gate and Store must not be
// nil; the rest degrade gracefully when absent.
type Deps struct {
	Gate      *access.Gate
	Validator *claims.Validator
	Engine    *consensus.Engine
	Bus       *fabric.Bus
	Store     RecordStore
	Collector *metrics.Collector
	Audit     audit.Sink
}

// InitiateRequest describes one handoff. HandoffID may be set by
// at-least-once callers; re-sending the same id returns the existing
// handoff instead of starting a second chain.
type InitiateRequest struct {
	HandoffID     string
	SourceAgentID string
	TargetAgentID string
	TaskID        string
	Context       string
	Priority      int
}

// agentSlot caps concurrent handoffs per target agent. The weighted
// semaphore hands out slots to waiters in FIFO order.
type agentSlot struct {
	agentType string
	sem       *semaphore.Weighted
	queued    atomic.Int64
}

// Orchestrator is the handoff state machine.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	chains *chains
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.Mutex
	slots   map[string]*agentSlot
	cancels map[string]context.CancelFunc
	closed  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an orchestrator. It does not start any background work;
// each InitiateHandoff call runs as its own unit of concurrent work.
func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.normalized(),
		deps:       deps,
		chains:     newChains(),
		logger:     logger.With(zap.String("component", "orchestrator")),
		clock:      time.Now,
		slots:      make(map[string]*agentSlot),
		cancels:    make(map[string]context.CancelFunc),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// RegisterAgent declares a target agent's type and workload capacity.
// Registration is visible to subsequently initiated handoffs.
func (o *Orchestrator) RegisterAgent(agentID, agentType string, capacity int64) {
	if capacity < 1 {
		capacity = o.cfg.DefaultCapacity
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots[agentID] = &agentSlot{
		agentType: agentType,
		sem:       semaphore.NewWeighted(capacity),
	}
}

// SetChain installs the ordered provider chain for an agent type.
// Reconfiguration affects subsequently initiated handoffs only.
func (o *Orchestrator) SetChain(agentType string, entries ...ChainEntry) {
	o.chains.set(agentType, entries)
}

func (o *Orchestrator) slotFor(agentID string) *agentSlot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.slots[agentID]; ok {
		return slot
	}
	slot := &agentSlot{
		agentType: defaultAgentType,
		sem:       semaphore.NewWeighted(o.cfg.DefaultCapacity),
	}
	o.slots[agentID] = slot
	return slot
}

// InitiateHandoff accepts a handoff synchronously and executes it
// asynchronously; the terminal result arrives as an event. Re-invoking
// with an already known HandoffID returns that id without emitting
// anything or starting a second chain.
func (o *Orchestrator) InitiateHandoff(ctx context.Context, req InitiateRequest) (string, error) {
	if req.SourceAgentID == "" || req.TargetAgentID == "" || req.TaskID == "" {
		return "", types.NewError(types.ErrInvalidRequest,
			"source agent, target agent and task id are required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", types.NewError(types.ErrHandoffCancelled, "orchestrator is closed")
	}
	o.mu.Unlock()

	record := &HandoffRecord{
		ID:            req.HandoffID,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		TaskID:        req.TaskID,
		Context:       req.Context,
		Priority:      req.Priority,
		State:         StateCreated,
		Attempts:      make(map[string]int),
		StartedAt:     o.clock(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	// Create-if-absent keeps redelivery idempotent: of any number of
	// concurrent initiations with the same id, exactly one starts a chain.
	created, err := o.deps.Store.Create(ctx, record)
	if err != nil {
		return "", err
	}
	if !created {
		o.logger.Debug("handoff already known", zap.String("handoff_id", record.ID))
		return record.ID, nil
	}

	o.publishLifecycle(fabric.EventHandoffInitiated, fabric.HandoffLifecycle{
		HandoffID:     record.ID,
		SourceAgentID: record.SourceAgentID,
		TargetAgentID: record.TargetAgentID,
		TaskID:        record.TaskID,
	})
	audit.Try(ctx, o.deps.Audit, o.logger, audit.Entry{
		Action: "handoff.initiated",
		Actor:  record.SourceAgentID,
		Details: map[string]any{
			"handoff_id":      record.ID,
			"target_agent_id": record.TargetAgentID,
			"task_id":         record.TaskID,
		},
	})

	runCtx, cancel := context.WithCancel(o.rootCtx)
	o.mu.Lock()
	o.cancels[record.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, cancel, record)
	return record.ID, nil
}

// GetHandoffStatus returns the current record for a handoff.
func (o *Orchestrator) GetHandoffStatus(ctx context.Context, handoffID string) (*HandoffRecord, error) {
	return o.deps.Store.Get(ctx, handoffID)
}

// ListHandoffs returns every known handoff record.
func (o *Orchestrator) ListHandoffs(ctx context.Context) ([]*HandoffRecord, error) {
	return o.deps.Store.List(ctx)
}

// Cancel stops an in-flight handoff: no further retries, context rollback,
// terminal failed with reason "cancelled". Safe to call concurrently with
// a provider attempt completing; a late success is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, handoffID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[handoffID]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	record, err := o.deps.Store.Get(ctx, handoffID)
	if err != nil {
		return err
	}
	return types.NewErrorf(types.ErrHandoffCancelled,
		"handoff %q is already %s", handoffID, record.State)
}

// Close cancels in-flight handoffs and waits for them to settle. The
// record store is left open; its lifetime belongs to the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.rootCancel()
	o.wg.Wait()
	return nil
}

// run executes one handoff through gate, provider chain, validation and
// veto. It is the only writer of the handoff's terminal state.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, record *HandoffRecord) {
	defer o.wg.Done()
	defer cancel()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, record.ID)
		o.mu.Unlock()
	}()

	decision := o.deps.Gate.CheckAccess(
		record.SourceAgentID, record.ID, access.ResourceHandoff, access.PermHandoffInitiate)
	if !decision.Allowed {
		record.Reason = decision.Reason
		record.ErrorCode = string(types.ErrAccessDenied)
		record.ErrorMessage = decision.Reason
		o.finalize(record, StateFailed, fabric.EventHandoffFailed)
		return
	}
	o.transition(record, StateGated)

	snapshot := takeSnapshot(record.ID, record.Context, o.clock())

	// The gauge counts handoffs waiting on capacity, so it comes back down
	// as soon as the slot is acquired, not when it is released.
	slot := o.slotFor(record.TargetAgentID)
	o.deps.Collector.SetQueueDepth(record.TargetAgentID, int(slot.queued.Add(1)))
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		o.deps.Collector.SetQueueDepth(record.TargetAgentID, int(slot.queued.Add(-1)))
		o.cancelled(record, snapshot)
		return
	}
	o.deps.Collector.SetQueueDepth(record.TargetAgentID, int(slot.queued.Add(-1)))
	defer slot.sem.Release(1)

	o.transition(record, StateExecuting)

	chain := o.chains.snapshot(slot.agentType)
	if len(chain) == 0 {
		o.rollback(record, snapshot)
		record.Reason = fmt.Sprintf("no provider chain configured for agent type %q", slot.agentType)
		record.ErrorCode = string(types.ErrChainExhausted)
		record.ErrorMessage = record.Reason
		o.finalize(record, StateFailed, fabric.EventHandoffFailedPermanently)
		return
	}

	output, err := o.executeChain(ctx, record, chain)
	if ctx.Err() != nil {
		// Cancellation wins even over a late success; the output is
		// discarded, not delivered.
		o.cancelled(record, snapshot)
		return
	}
	if err != nil {
		o.rollback(record, snapshot)
		record.Reason = "provider chain exhausted"
		record.ErrorCode = string(types.GetErrorCode(err))
		if record.ErrorCode == "" {
			record.ErrorCode = string(types.ErrChainExhausted)
		}
		record.ErrorMessage = err.Error()
		o.finalize(record, StateFailed, fabric.EventHandoffFailedPermanently)
		return
	}

	if total := totalAttempts(record); total > 1 {
		o.publishLifecycle(fabric.EventHandoffRecovered, fabric.HandoffLifecycle{
			HandoffID:     record.ID,
			SourceAgentID: record.SourceAgentID,
			TargetAgentID: record.TargetAgentID,
			TaskID:        record.TaskID,
			Provider:      record.Provider,
			Attempts:      copyAttempts(record.Attempts),
		})
	}
	o.publishSnapshot(fabric.EventContextPreserved, snapshot)

	o.transition(record, StateValidating)
	verdict := o.validate(ctx, record, output)
	if verdict != nil && verdict.VetoRecommended {
		if vetoed, reason := o.resolveVeto(ctx, record); vetoed {
			record.Reason = reason
			o.finalize(record, StateVetoed, fabric.EventHandoffVetoed)
			return
		}
	}
	if ctx.Err() != nil {
		o.cancelled(record, snapshot)
		return
	}

	record.Output = output
	o.finalize(record, StateCompleted, fabric.EventHandoffCompleted)
}

// executeChain walks the provider chain in order. Each provider gets its
// own retry budget; a permanent error advances the chain immediately.
// Advancing past a failed provider emits handoff.fallback.initiated.
func (o *Orchestrator) executeChain(ctx context.Context, record *HandoffRecord, chain []ChainEntry) (string, error) {
	var lastErr error
	for i, entry := range chain {
		if i > 0 {
			o.publishLifecycle(fabric.EventHandoffFallbackInitiated, fabric.HandoffLifecycle{
				HandoffID:     record.ID,
				SourceAgentID: record.SourceAgentID,
				TargetAgentID: record.TargetAgentID,
				TaskID:        record.TaskID,
				Provider:      entry.Provider.Name(),
				Attempts:      copyAttempts(record.Attempts),
			})
		}

		output, err := o.attemptProvider(ctx, record, entry)
		if err == nil {
			record.Provider = entry.Provider.Name()
			return output, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", types.NewError(types.ErrChainExhausted, "every provider in the chain failed").WithCause(lastErr)
}

// attemptProvider runs one provider with its retry budget. Errors local to
// an attempt are absorbed here; only budget exhaustion or a permanent
// error escapes, and then only as far as the chain walk.
func (o *Orchestrator) attemptProvider(ctx context.Context, record *HandoffRecord, entry ChainEntry) (string, error) {
	name := entry.Provider.Name()
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = o.cfg.ProviderTimeout
	}
	maxAttempts := entry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = o.cfg.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, o.cfg.Retry.delay(attempt-1)); err != nil {
				return "", err
			}
		}
		if entry.Limiter != nil {
			if err := entry.Limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		record.Attempts[name]++
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
		output, err := entry.Provider.Execute(attemptCtx, record.TaskID, record.Context)
		cancelAttempt()

		if err == nil {
			o.deps.Collector.RecordProviderAttempt(name, "ok")
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		if !IsTransient(err) {
			o.deps.Collector.RecordProviderAttempt(name, "permanent_error")
			o.logger.Warn("provider failed permanently",
				zap.String("handoff_id", record.ID),
				zap.String("provider", name),
				zap.Error(err),
			)
			return "", err
		}
		o.deps.Collector.RecordProviderAttempt(name, "transient_error")
		o.logger.Debug("provider failed transiently",
			zap.String("handoff_id", record.ID),
			zap.String("provider", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", lastErr
}

// validate turns the provider output into a claim and checks it. A nil
// verdict means validation was skipped or unavailable; completion then
// proceeds without a veto session.
func (o *Orchestrator) validate(ctx context.Context, record *HandoffRecord, output string) *claims.Verdict {
	if o.deps.Validator == nil || output == "" {
		return nil
	}
	verdict, err := o.deps.Validator.CheckClaim(ctx, claims.Claim{
		ID:            uuid.NewString(),
		Text:          output,
		Context:       record.Context,
		SourceAgentID: record.TargetAgentID,
		Timestamp:     o.clock(),
		Metadata: map[string]string{
			"handoff_id": record.ID,
			"task_id":    record.TaskID,
		},
	})
	if err != nil {
		o.logger.Warn("claim check failed",
			zap.String("handoff_id", record.ID),
			zap.Error(err),
		)
		return nil
	}
	return verdict
}

// resolveVeto opens a veto session among the configured quorum of
// reviewers and waits for it. A session that never reaches quorum is
// treated as "no veto".
func (o *Orchestrator) resolveVeto(ctx context.Context, record *HandoffRecord) (bool, string) {
	if o.deps.Engine == nil {
		return false, ""
	}

	sessionID, err := o.deps.Engine.CreateSession(
		fmt.Sprintf("veto handoff %s", record.ID), consensus.VetoOptions(), o.cfg.VetoQuorum)
	if err != nil {
		o.logger.Warn("failed to open veto session",
			zap.String("handoff_id", record.ID),
			zap.Error(err),
		)
		return false, ""
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, o.cfg.VetoTimeout)
	err = o.deps.Engine.WaitQuorum(waitCtx, sessionID)
	cancelWait()
	if err != nil {
		o.logger.Info("veto session never reached quorum, proceeding without veto",
			zap.String("handoff_id", record.ID),
			zap.String("session_id", sessionID),
		)
	}

	decision, err := o.deps.Engine.CloseVeto(sessionID, o.cfg.VetoThreshold)
	if err != nil {
		o.logger.Warn("failed to close veto session",
			zap.String("handoff_id", record.ID),
			zap.Error(err),
		)
		return false, ""
	}
	if !decision.Vetoed {
		return false, ""
	}
	return true, fmt.Sprintf("vetoed by consensus (%d for, %d against)",
		decision.VotesFor, decision.VotesAgainst)
}

// transition persists a non-terminal state change. Store failures are
// demoted to warnings: the in-memory state machine is authoritative while
// the handoff is in flight.
func (o *Orchestrator) transition(record *HandoffRecord, state State) {
	record.State = state
	if err := o.deps.Store.Save(context.Background(), record); err != nil {
		o.logger.Warn("failed to persist handoff state",
			zap.String("handoff_id", record.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// cancelled settles a handoff whose context was cancelled: rollback, then
// terminal failed with reason "cancelled".
func (o *Orchestrator) cancelled(record *HandoffRecord, snapshot Snapshot) {
	o.rollback(record, snapshot)
	record.Reason = "cancelled"
	record.ErrorCode = string(types.ErrHandoffCancelled)
	record.ErrorMessage = "handoff cancelled"
	o.finalize(record, StateFailed, fabric.EventHandoffFailed)
}

// rollback reports the pre-handoff snapshot so the caller can restore
// state.
func (o *Orchestrator) rollback(record *HandoffRecord, snapshot Snapshot) {
	o.publishSnapshot(fabric.EventContextRollback, snapshot)
	o.logger.Info("rolled back handoff context",
		zap.String("handoff_id", record.ID),
		zap.Int("size_tokens", snapshot.SizeTokens),
		zap.Int("size_bytes", snapshot.SizeBytes),
	)
}

// finalize commits a terminal state exactly once per handoff and emits the
// matching terminal event.
func (o *Orchestrator) finalize(record *HandoffRecord, state State, kind fabric.EventType) {
	now := o.clock()
	record.State = state
	record.EndedAt = &now
	duration := now.Sub(record.StartedAt)
	if err := o.deps.Store.Save(context.Background(), record); err != nil {
		o.logger.Warn("failed to persist terminal handoff state",
			zap.String("handoff_id", record.ID),
			zap.Error(err),
		)
	}

	payload := fabric.HandoffLifecycle{
		HandoffID:     record.ID,
		SourceAgentID: record.SourceAgentID,
		TargetAgentID: record.TargetAgentID,
		TaskID:        record.TaskID,
		Provider:      record.Provider,
		Attempts:      copyAttempts(record.Attempts),
		DurationMS:    duration.Milliseconds(),
		Reason:        record.Reason,
	}
	if state == StateCompleted {
		payload.Output = record.Output
	}
	if record.ErrorCode != "" {
		payload.Error = &fabric.ErrorDetail{
			Code:    record.ErrorCode,
			Message: record.ErrorMessage,
		}
	}
	o.publishLifecycle(kind, payload)

	outcome := string(state)
	if record.Reason == "cancelled" {
		outcome = "cancelled"
	}
	o.deps.Collector.RecordHandoff(outcome, duration)
	audit.Try(context.Background(), o.deps.Audit, o.logger, audit.Entry{
		Action: "handoff." + string(state),
		Actor:  record.SourceAgentID,
		Details: map[string]any{
			"handoff_id":  record.ID,
			"duration_ms": duration.Milliseconds(),
			"reason":      record.Reason,
		},
	})
	o.logger.Info("handoff settled",
		zap.String("handoff_id", record.ID),
		zap.String("state", string(state)),
		zap.Duration("duration", duration),
		zap.String("reason", record.Reason),
	)
}

func totalAttempts(record *HandoffRecord) int {
	total := 0
	for _, n := range record.Attempts {
		total += n
	}
	return total
}

func (o *Orchestrator) publishLifecycle(kind fabric.EventType, payload fabric.HandoffLifecycle) {
	if o.deps.Bus == nil {
		return
	}
	evt := o.deps.Bus.NewEvent("orchestrator", fabric.NewHandoffLifecycle(kind, payload))
	evt.Target = payload.TargetAgentID
	if _, err := o.deps.Bus.Publish(evt); err != nil {
		o.logger.Warn("failed to publish handoff event",
			zap.String("type", string(kind)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publishSnapshot(kind fabric.EventType, snapshot Snapshot) {
	if o.deps.Bus == nil {
		return
	}
	evt := o.deps.Bus.NewEvent("orchestrator", fabric.NewContextSnapshot(kind, fabric.ContextSnapshot{
		HandoffID:  snapshot.HandoffID,
		SizeTokens: snapshot.SizeTokens,
		SizeBytes:  snapshot.SizeBytes,
	}))
	if _, err := o.deps.Bus.Publish(evt); err != nil {
		o.logger.Warn("failed to publish context event",
			zap.String("type", string(kind)),
			zap.Error(err),
		)
	}
}
