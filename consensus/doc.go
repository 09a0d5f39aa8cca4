// Package consensus runs quorum votes among principals and reports a
// binding decision once a configurable supermajority threshold is reached.
//
// Sessions close exactly once. Closing a session whose quorum was never
// reached yields "no consensus", never a default winner. The default veto
// threshold (5/6 of cast votes) is configuration: lower-stakes gates may
// close with a lower bar, irreversible actions with a higher one.
package consensus
