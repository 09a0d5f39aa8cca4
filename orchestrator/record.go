package orchestrator

import "time"

// State is the lifecycle state of a handoff.
type State string

const (
	StateCreated    State = "created"
	StateGated      State = "gated"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateVetoed     State = "vetoed"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateVetoed, StateCompleted, StateFailed:
		return true
	}
	return false
}

// HandoffRecord is the persisted view of one handoff. The orchestrator
// owns records for their lifetime; stores and status queries hand out
// copies.
type HandoffRecord struct {
	ID            string `json:"id"`
	SourceAgentID string `json:"source_agent_id"`
	TargetAgentID string `json:"target_agent_id"`
	TaskID        string `json:"task_id"`
	Context       string `json:"context"`
	Priority      int    `json:"priority"`

	State    State          `json:"state"`
	Attempts map[string]int `json:"attempts_per_provider,omitempty"`
	Provider string         `json:"provider,omitempty"`

	// Output is set only on completed handoffs. A vetoed handoff's output
	// is discarded, never recorded or delivered.
	Output string `json:"output,omitempty"`

	Reason       string `json:"reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *HandoffRecord) clone() *HandoffRecord {
	out := *r
	out.Attempts = copyAttempts(r.Attempts)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// copyAttempts copies the per-provider attempt counts. Published event
// payloads must carry a copy: the live map keeps changing while the chain
// runs, and events are immutable once published.
func copyAttempts(attempts map[string]int) map[string]int {
	if attempts == nil {
		return nil
	}
	out := make(map[string]int, len(attempts))
	for k, v := range attempts {
		out[k] = v
	}
	return out
}
