package claims

import "regexp"

// Rule is one configurable pattern rule. The catalog is configuration, not
// contract: callers replace DefaultRules with their own set.
type Rule struct {
	ID          string            `json:"id"`
	Type        HallucinationType `json:"type"`
	Severity    Severity          `json:"severity"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`

	// Pattern matches against the claim text when Match is nil.
	Pattern *regexp.Regexp `json:"-"`
	// Match overrides Pattern with an arbitrary predicate.
	Match func(Claim) bool `json:"-"`
}

// matches evaluates the rule against a claim.
func (r Rule) matches(c Claim) bool {
	if r.Match != nil {
		return r.Match(c)
	}
	if r.Pattern != nil {
		return r.Pattern.MatchString(c.Text)
	}
	return false
}

// DefaultRules returns a small starter catalog of fabrication patterns.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "absolute-certainty",
			Type:        TypeUnsupportedAssertion,
			Severity:    SeverityMedium,
			Confidence:  0.55,
			Description: "absolute certainty about unverifiable facts",
			Pattern:     regexp.MustCompile(`(?i)\b(definitely|certainly|guaranteed|100% (sure|certain))\b`),
		},
		{
			ID:          "fabricated-citation",
			Type:        TypeFabricatedFact,
			Severity:    SeverityHigh,
			Confidence:  0.75,
			Description: "citation-shaped reference with no resolvable source",
			Pattern:     regexp.MustCompile(`(?i)\baccording to (the official documentation|a recent study|internal benchmarks)\b`),
		},
		{
			ID:          "invented-api",
			Type:        TypeFabricatedFact,
			Severity:    SeverityHigh,
			Confidence:  0.7,
			Description: "claims about APIs that are described as undocumented",
			Pattern:     regexp.MustCompile(`(?i)\bundocumented (api|endpoint|flag|option)\b`),
		},
		{
			ID:          "self-verification",
			Type:        TypeUnsupportedAssertion,
			Severity:    SeverityMedium,
			Confidence:  0.6,
			Description: "claims of having verified something no tool was run for",
			Pattern:     regexp.MustCompile(`(?i)\bI (have )?(personally )?(verified|tested|confirmed) (this|that|it)\b`),
		},
	}
}

// antonymPairs drives the cross-claim contradiction heuristic. Each pair is
// two phrasings that cannot both hold for the same subject. This is a
// heuristic, not ground truth; it trades recall for zero infrastructure.
var antonymPairs = [][2]string{
	{"is true", "is false"},
	{"supports", "does not support"},
	{"is enabled", "is disabled"},
	{"exists", "does not exist"},
	{"passes", "fails"},
	{"is deprecated", "is not deprecated"},
	{"is safe", "is unsafe"},
}

// referencePattern extracts file/function/class-shaped references from a
// claim: backticked identifiers, and path-like tokens ending in an
// extension. Deliberately loose; the traversal check below is the teeth.
var referencePattern = regexp.MustCompile("`([^`]+)`|" + `([\w.~-]*(?:[\\/][\w.-]+)*[\w-]\.[A-Za-z]{1,5})\b`)

// traversalPattern flags path-traversal-shaped references.
var traversalPattern = regexp.MustCompile(`(^|[\\/])\.\.([\\/]|$)`)
