package claims

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/internal/audit"
)

// SessionOutcome is what the consensus-mismatch signal needs to know about a
// voting session.
type SessionOutcome struct {
	Closed           bool
	ConsensusReached bool
	WinningOption    string
}

// SessionLookup resolves a session id to its recorded outcome. The consensus
// engine satisfies this; tests substitute a map.
type SessionLookup interface {
	SessionOutcome(sessionID string) (SessionOutcome, bool)
}

// Config tunes the validator. The rule catalog and thresholds are
// configuration, not contract.
type Config struct {
	Rules []Rule
	// AutoVeto enables veto recommendations; with it off, verdicts still
	// score but never recommend a veto.
	AutoVeto bool
	// VetoConfidence is the minimum confidence for a veto recommendation.
	VetoConfidence float64
	// HistorySize bounds the per-source claim history.
	HistorySize int
	// ReferenceChecker, when set, is consulted for each extracted reference;
	// returning false marks the reference unresolvable. Path-traversal-shaped
	// references are rejected outright regardless.
	ReferenceChecker func(ref string) bool
}

// DefaultConfig returns the stock validator configuration.
func DefaultConfig() Config {
	return Config{
		Rules:          DefaultRules(),
		AutoVeto:       true,
		VetoConfidence: 0.7,
		HistorySize:    64,
	}
}

// Validator scores claims for suspected fabrication.
type Validator struct {
	cfg     Config
	history *history
	lookup  SessionLookup
	sink    audit.Sink
	bus     *fabric.Bus
	logger  *zap.Logger
}

// signal is the outcome of one independent check.
type signal struct {
	name       string
	confidence float64
	typ        HallucinationType
	evidence   []string
}

// NewValidator creates a validator. lookup and bus may be nil; sink should
// not be (the audit trail is the only forensic record for veto disputes),
// but a nil sink degrades to logging rather than failing.
func NewValidator(cfg Config, lookup SessionLookup, sink audit.Sink, bus *fabric.Bus, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VetoConfidence <= 0 {
		cfg.VetoConfidence = 0.7
	}
	return &Validator{
		cfg:     cfg,
		history: newHistory(cfg.HistorySize),
		lookup:  lookup,
		sink:    sink,
		bus:     bus,
		logger:  logger.With(zap.String("component", "claim_validator")),
	}
}

// CheckClaim runs the four signals, takes the maximum confidence, records
// the verdict in the audit trail and the claim in the per-source history.
// An error is returned only for unusable input; internal signal failures
// fail closed as a high-confidence hallucination verdict.
func (v *Validator) CheckClaim(ctx context.Context, claim Claim) (*Verdict, error) {
	if claim.Text == "" {
		return nil, fmt.Errorf("claim text must not be empty")
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if claim.Timestamp.IsZero() {
		claim.Timestamp = time.Now()
	}

	signals := []signal{
		v.run("rule_match", claim, v.ruleSignal),
		v.run("reference_validity", claim, v.referenceSignal),
		v.run("cross_claim_contradiction", claim, v.contradictionSignal),
		v.run("consensus_mismatch", claim, v.consensusSignal),
	}

	verdict := &Verdict{ClaimID: claim.ID, Evidence: []string{}, Sources: []string{}}
	for _, s := range signals {
		if s.confidence <= 0 {
			continue
		}
		verdict.Evidence = append(verdict.Evidence, s.evidence...)
		verdict.Sources = append(verdict.Sources, s.name)
		// Maximum across signals, never an average: one strong signal
		// must dominate any number of weak ones.
		if s.confidence > verdict.Confidence {
			verdict.Confidence = s.confidence
			verdict.Type = s.typ
		}
	}

	verdict.IsHallucination = verdict.Confidence > 0.5
	verdict.Severity = SeverityFor(verdict.Confidence)
	verdict.VetoRecommended = v.cfg.AutoVeto &&
		verdict.IsHallucination &&
		verdict.Confidence >= v.cfg.VetoConfidence

	v.history.add(claim)
	v.audit(ctx, claim, verdict)
	v.publish(claim, verdict)
	return verdict, nil
}

// run executes one signal with panic isolation. A signal that fails fails
// closed: the claim is treated as a high-confidence hallucination rather
// than silently passing.
func (v *Validator) run(name string, claim Claim, fn func(Claim) signal) (out signal) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validator signal failed, failing closed",
				zap.String("signal", name),
				zap.String("claim_id", claim.ID),
				zap.Any("recover", r),
			)
			out = signal{
				name:       name,
				confidence: 0.9,
				typ:        TypeValidatorFailure,
				evidence:   []string{fmt.Sprintf("%s: internal error, failing closed", name)},
			}
		}
	}()
	out = fn(claim)
	out.name = name
	return out
}

// ruleSignal matches the claim against the configured rule catalog and
// keeps the strongest match.
func (v *Validator) ruleSignal(claim Claim) signal {
	var s signal
	for _, rule := range v.cfg.Rules {
		if !rule.matches(claim) {
			continue
		}
		s.evidence = append(s.evidence,
			fmt.Sprintf("rule %s matched: %s", rule.ID, rule.Description))
		if rule.Confidence > s.confidence {
			s.confidence = rule.Confidence
			s.typ = rule.Type
		}
	}
	return s
}

// referenceSignal extracts file/function-shaped references. Traversal-shaped
// references are rejected outright with high confidence; others are checked
// against the configured ReferenceChecker when one is present.
func (v *Validator) referenceSignal(claim Claim) signal {
	var s signal
	s.typ = TypeInvalidReference
	for _, m := range referencePattern.FindAllStringSubmatch(claim.Text, -1) {
		ref := m[1]
		if ref == "" {
			ref = m[2]
		}
		if traversalPattern.MatchString(ref) {
			s.evidence = append(s.evidence,
				fmt.Sprintf("reference %q is path-traversal shaped", ref))
			if s.confidence < 0.95 {
				s.confidence = 0.95
			}
			continue
		}
		if v.cfg.ReferenceChecker != nil && !v.cfg.ReferenceChecker(ref) {
			s.evidence = append(s.evidence,
				fmt.Sprintf("reference %q does not resolve", ref))
			if s.confidence < 0.8 {
				s.confidence = 0.8
			}
		}
	}
	return s
}

// contradictionSignal compares the claim against the retained history from
// the same source using the antonym-pair table. Heuristic, not ground truth.
func (v *Validator) contradictionSignal(claim Claim) signal {
	var s signal
	s.typ = TypeContradiction
	text := strings.ToLower(claim.Text)

	for _, prior := range v.history.forSource(claim.SourceAgentID) {
		priorText := strings.ToLower(prior.Text)
		for _, pair := range antonymPairs {
			a, b := pair[0], pair[1]
			// "does not support" contains "supports"-adjacent text, so test
			// the negated side first on both claims.
			priorHasB := strings.Contains(priorText, b)
			priorHasA := !priorHasB && strings.Contains(priorText, a)
			curHasB := strings.Contains(text, b)
			curHasA := !curHasB && strings.Contains(text, a)
			if (priorHasA && curHasB) || (priorHasB && curHasA) {
				s.evidence = append(s.evidence, fmt.Sprintf(
					"contradicts earlier claim %s (%q vs %q)", prior.ID, a, b))
				if s.confidence < 0.75 {
					s.confidence = 0.75
				}
			}
		}
	}
	return s
}

// consensusSignal compares an asserted session outcome in the claim's
// metadata against the recorded outcome of that session.
func (v *Validator) consensusSignal(claim Claim) signal {
	var s signal
	s.typ = TypeConsensusMismatch
	if v.lookup == nil {
		return s
	}
	sessionID := claim.Metadata[MetaSessionID]
	asserted := claim.Metadata[MetaAssertedOption]
	if sessionID == "" || asserted == "" {
		return s
	}
	outcome, ok := v.lookup.SessionOutcome(sessionID)
	if !ok {
		s.evidence = append(s.evidence,
			fmt.Sprintf("claim references unknown session %s", sessionID))
		s.confidence = 0.7
		return s
	}
	if outcome.Closed && outcome.ConsensusReached && outcome.WinningOption != asserted {
		s.evidence = append(s.evidence, fmt.Sprintf(
			"claim asserts option %q for session %s, recorded outcome is %q",
			asserted, sessionID, outcome.WinningOption))
		s.confidence = 0.85
	}
	return s
}

// audit writes the mandatory forensic record for one check.
func (v *Validator) audit(ctx context.Context, claim Claim, verdict *Verdict) {
	audit.Try(ctx, v.sink, v.logger, audit.Entry{
		Action: "claim.checked",
		Actor:  claim.SourceAgentID,
		Details: map[string]any{
			"claim_id":         claim.ID,
			"is_hallucination": verdict.IsHallucination,
			"confidence":       verdict.Confidence,
			"severity":         string(verdict.Severity),
			"veto_recommended": verdict.VetoRecommended,
			"evidence":         verdict.Evidence,
		},
	})
}

func (v *Validator) publish(claim Claim, verdict *Verdict) {
	if v.bus == nil {
		return
	}
	evt := v.bus.NewEvent("claim_validator", fabric.ClaimChecked{
		ClaimID:         claim.ID,
		SourceAgentID:   claim.SourceAgentID,
		IsHallucination: verdict.IsHallucination,
		Confidence:      verdict.Confidence,
		VetoRecommended: verdict.VetoRecommended,
		Evidence:        verdict.Evidence,
	})
	if _, err := v.bus.Publish(evt); err != nil {
		v.logger.Warn("failed to publish claim.checked", zap.Error(err))
	}
}

// HistoricalClaim returns a retained claim by id, for audit tooling.
func (v *Validator) HistoricalClaim(id string) (Claim, bool) {
	return v.history.get(id)
}
