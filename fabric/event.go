package fabric

import (
	"encoding/json"
	"time"

	"github.com/agentfabric/agentfabric/types"
)

// EventType identifies one kind of event. The set of kinds is closed and
// versioned: publishing an unrecognized type is a programming error, not a
// runtime condition.
type EventType string

const (
	EventHandoffInitiated         EventType = "handoff.initiated"
	EventHandoffFallbackInitiated EventType = "handoff.fallback.initiated"
	EventHandoffCompleted         EventType = "handoff.completed"
	EventHandoffFailed            EventType = "handoff.failed"
	EventHandoffFailedPermanently EventType = "handoff.failed.permanently"
	EventHandoffRecovered         EventType = "handoff.recovered"
	EventHandoffVetoed            EventType = "handoff.vetoed"
	EventContextPreserved         EventType = "context.preserved"
	EventContextRollback          EventType = "context.rollback"
	EventClaimChecked             EventType = "claim.checked"
	EventSessionOpened            EventType = "consensus.session.opened"
	EventSessionClosed            EventType = "consensus.session.closed"
	EventVoteCast                 EventType = "consensus.vote.cast"
	EventPrincipalRegistered      EventType = "principal.registered"
	EventHandlerError             EventType = "handler.error"
)

// knownTypes is the closed event-kind set. Bump alongside any new constant.
var knownTypes = map[EventType]struct{}{
	EventHandoffInitiated:         {},
	EventHandoffFallbackInitiated: {},
	EventHandoffCompleted:         {},
	EventHandoffFailed:            {},
	EventHandoffFailedPermanently: {},
	EventHandoffRecovered:         {},
	EventHandoffVetoed:            {},
	EventContextPreserved:         {},
	EventContextRollback:          {},
	EventClaimChecked:             {},
	EventSessionOpened:            {},
	EventSessionClosed:            {},
	EventVoteCast:                 {},
	EventPrincipalRegistered:      {},
	EventHandlerError:             {},
}

// KnownType reports whether t belongs to the closed event-kind set.
func KnownType(t EventType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Payload is the tagged union over per-kind event payloads. Each payload
// type reports the event kind it belongs to; publish rejects events whose
// payload kind disagrees with the event type.
type Payload interface {
	Kind() EventType
}

// Event is an immutable message on the bus. Timestamp is Unix milliseconds.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Source    string            `json:"source"`
	Target    string            `json:"target,omitempty"`
	Payload   Payload           `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Timestamp sanity window. Events older than ten years or more than a day
// in the future are treated as malformed.
const (
	maxPastSkew   = 10 * 365 * 24 * time.Hour
	maxFutureSkew = 24 * time.Hour
)

// Validate checks the event against the publish contract. It returns a
// *types.Error with code INVALID_EVENT on the first violation found.
func (e Event) Validate(now time.Time) error {
	if e.ID == "" {
		return types.NewError(types.ErrInvalidEvent, "event id must not be empty")
	}
	if !KnownType(e.Type) {
		return types.NewErrorf(types.ErrInvalidEvent, "unknown event type %q", e.Type)
	}
	if e.Timestamp < 0 {
		return types.NewErrorf(types.ErrInvalidEvent, "negative timestamp %d", e.Timestamp)
	}
	ts := time.UnixMilli(e.Timestamp)
	if ts.Before(now.Add(-maxPastSkew)) || ts.After(now.Add(maxFutureSkew)) {
		return types.NewErrorf(types.ErrInvalidEvent, "timestamp %d outside sanity window", e.Timestamp)
	}
	if e.Payload == nil {
		return types.NewError(types.ErrInvalidEvent, "payload must not be nil")
	}
	if e.Payload.Kind() != e.Type {
		return types.NewErrorf(types.ErrInvalidEvent,
			"payload kind %q does not match event type %q", e.Payload.Kind(), e.Type)
	}
	if _, err := json.Marshal(e.Payload); err != nil {
		return types.NewError(types.ErrInvalidEvent, "payload is not serializable").WithCause(err)
	}
	return nil
}

// HandoffLifecycle is the payload shared by the handoff lifecycle kinds.
// kind distinguishes initiated/fallback/completed/failed/recovered/vetoed.
type HandoffLifecycle struct {
	kind EventType

	HandoffID     string         `json:"handoff_id"`
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	TaskID        string         `json:"task_id"`
	Provider      string         `json:"provider,omitempty"`
	Attempts      map[string]int `json:"attempts_per_provider,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Output        string         `json:"output,omitempty"`
	Error         *ErrorDetail   `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ErrorDetail is the structured error carried on failure events.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kind implements Payload.
func (p HandoffLifecycle) Kind() EventType { return p.kind }

// NewHandoffLifecycle builds a lifecycle payload for one of the handoff
// event kinds. The kind must be a handoff.* type; anything else fails
// Event.Validate via the kind mismatch check.
func NewHandoffLifecycle(kind EventType, p HandoffLifecycle) HandoffLifecycle {
	p.kind = kind
	return p
}

// ContextSnapshot is the payload for context.preserved and context.rollback.
type ContextSnapshot struct {
	kind EventType

	HandoffID  string `json:"handoff_id"`
	SizeTokens int    `json:"size_tokens"`
	SizeBytes  int    `json:"size_bytes"`
}

// Kind implements Payload.
func (p ContextSnapshot) Kind() EventType { return p.kind }

// NewContextSnapshot builds a snapshot payload for context.preserved or
// context.rollback.
func NewContextSnapshot(kind EventType, p ContextSnapshot) ContextSnapshot {
	p.kind = kind
	return p
}

// ClaimChecked is the payload for claim.checked.
type ClaimChecked struct {
	ClaimID         string   `json:"claim_id"`
	SourceAgentID   string   `json:"source_agent_id"`
	IsHallucination bool     `json:"is_hallucination"`
	Confidence      float64  `json:"confidence"`
	VetoRecommended bool     `json:"veto_recommended"`
	Evidence        []string `json:"evidence,omitempty"`
}

// Kind implements Payload.
func (p ClaimChecked) Kind() EventType { return EventClaimChecked }

// SessionOpened is the payload for consensus.session.opened.
type SessionOpened struct {
	SessionID string   `json:"session_id"`
	Topic     string   `json:"topic"`
	Quorum    int      `json:"quorum"`
	Options   []string `json:"options"`
}

// Kind implements Payload.
func (p SessionOpened) Kind() EventType { return EventSessionOpened }

// SessionClosed is the payload for consensus.session.closed.
type SessionClosed struct {
	SessionID        string  `json:"session_id"`
	ConsensusReached bool    `json:"consensus_reached"`
	WinningOption    string  `json:"winning_option,omitempty"`
	Confidence       float64 `json:"confidence"`
	VotesCast        int     `json:"votes_cast"`
	DurationMS       int64   `json:"duration_ms"`
}

// Kind implements Payload.
func (p SessionClosed) Kind() EventType { return EventSessionClosed }

// VoteCast is the payload for consensus.vote.cast.
type VoteCast struct {
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
	OptionID    string `json:"option_id"`
}

// Kind implements Payload.
func (p VoteCast) Kind() EventType { return EventVoteCast }

// PrincipalRegistered is the payload for principal.registered.
type PrincipalRegistered struct {
	PrincipalID string   `json:"principal_id"`
	Type        string   `json:"type"`
	Roles       []string `json:"roles"`
}

// Kind implements Payload.
func (p PrincipalRegistered) Kind() EventType { return EventPrincipalRegistered }

// HandlerFailure is the payload for handler.error, emitted when a subscriber
// panics or returns an error during delivery.
type HandlerFailure struct {
	SubscriptionID string    `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	EventType      EventType `json:"event_type"`
	Error          string    `json:"error"`
}

// Kind implements Payload.
func (p HandlerFailure) Kind() EventType { return EventHandlerError }
