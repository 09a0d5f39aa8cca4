package consensus

import "time"

// SessionStatus is the lifecycle state of a voting session.
type SessionStatus string

const (
	StatusOpen   SessionStatus = "open"
	StatusClosed SessionStatus = "closed"
)

// Option is one choice in a voting session.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// Vote is one principal's current choice with an optional rationale.
type Vote struct {
	OptionID  string    `json:"option_id"`
	Rationale string    `json:"rationale,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// Session is one voting session. The engine exclusively owns sessions for
// their lifetime; callers only see copies.
type Session struct {
	ID       string          `json:"id"`
	Topic    string          `json:"topic"`
	Options  []Option        `json:"options"`
	Quorum   int             `json:"quorum"`
	Votes    map[string]Vote `json:"votes"`
	Status   SessionStatus   `json:"status"`
	OpenedAt time.Time       `json:"opened_at"`
	ClosedAt *time.Time      `json:"closed_at,omitempty"`
	Result   *Result         `json:"result,omitempty"`
}

// ClosingRule selects how a session's votes resolve to a decision.
type ClosingRule string

// RuleSupermajority reaches consensus iff the single leading option's share
// of cast votes is at least the threshold. Ties never reach consensus.
const RuleSupermajority ClosingRule = "supermajority"

// DefaultVetoThreshold is the stock threshold for veto sessions: 5 of 6
// cast votes. Configuration, not a constant of nature.
const DefaultVetoThreshold = 0.833

// Result is the binding decision of a closed session.
type Result struct {
	ConsensusReached bool    `json:"consensus_reached"`
	WinningOption    string  `json:"winning_option,omitempty"`
	Confidence       float64 `json:"confidence"`
	VotesCast        int     `json:"votes_cast"`
	Threshold        float64 `json:"threshold"`
}

// VetoDecision is the result of a veto-specific session, with the per-side
// tallies the orchestrator reports on handoff.vetoed events.
type VetoDecision struct {
	Vetoed       bool    `json:"vetoed"`
	VotesFor     int     `json:"votes_for"`
	VotesAgainst int     `json:"votes_against"`
	Confidence   float64 `json:"confidence"`
	Threshold    float64 `json:"threshold"`
}

// Option ids used by veto sessions.
const (
	OptionVeto    = "veto"
	OptionApprove = "approve"
)

// VetoOptions returns the two options every veto session carries.
func VetoOptions() []Option {
	return []Option{
		{ID: OptionVeto, Label: "Veto", Value: "discard the output"},
		{ID: OptionApprove, Label: "Approve", Value: "deliver the output"},
	}
}

// clone returns a deep copy safe to hand to callers.
func (s *Session) clone() *Session {
	out := *s
	out.Options = append([]Option(nil), s.Options...)
	out.Votes = make(map[string]Vote, len(s.Votes))
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		out.ClosedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return &out
}

// hasOption reports whether the session defines the given option id.
func (s *Session) hasOption(optionID string) bool {
	for _, o := range s.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// tally counts current votes per option.
func (s *Session) tally() map[string]int {
	counts := make(map[string]int, len(s.Options))
	for _, v := range s.Votes {
		counts[v.OptionID]++
	}
	return counts
}
