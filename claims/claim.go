package claims

import "time"

// Claim is a single piece of agent-produced text submitted for
// trustworthiness evaluation. Claims are immutable once checked and are
// retained in a bounded per-source history for contradiction detection.
type Claim struct {
	ID            string            `json:"id"`
	Text          string            `json:"text"`
	Context       string            `json:"context,omitempty"`
	SourceAgentID string            `json:"source_agent_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HallucinationType classifies what kind of fabrication a signal points at.
type HallucinationType string

const (
	TypeFabricatedFact       HallucinationType = "fabricated_fact"
	TypeInvalidReference     HallucinationType = "invalid_reference"
	TypeContradiction        HallucinationType = "contradiction"
	TypeConsensusMismatch    HallucinationType = "consensus_mismatch"
	TypeValidatorFailure     HallucinationType = "validator_failure"
	TypeUnsupportedAssertion HallucinationType = "unsupported_assertion"
)

// Severity buckets map deterministically from confidence; only severity
// feeds veto eligibility, confidence feeds the numeric guarantee.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Fixed severity thresholds.
const (
	criticalThreshold = 0.9
	highThreshold     = 0.7
	mediumThreshold   = 0.5
)

// SeverityFor maps a confidence score to its severity bucket.
func SeverityFor(confidence float64) Severity {
	switch {
	case confidence >= criticalThreshold:
		return SeverityCritical
	case confidence >= highThreshold:
		return SeverityHigh
	case confidence >= mediumThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Verdict is the result of checking one claim.
type Verdict struct {
	ClaimID         string            `json:"claim_id"`
	IsHallucination bool              `json:"is_hallucination"`
	Confidence      float64           `json:"confidence"`
	Type            HallucinationType `json:"type,omitempty"`
	Severity        Severity          `json:"severity,omitempty"`
	Evidence        []string          `json:"evidence"`
	Sources         []string          `json:"sources"`
	VetoRecommended bool              `json:"veto_recommended"`
}

// Metadata keys the consensus-mismatch signal reads from a claim.
const (
	MetaSessionID      = "session_id"
	MetaAssertedOption = "asserted_option"
)
