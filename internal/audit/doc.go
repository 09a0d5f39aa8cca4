// Package audit provides the audit sink the validator and orchestrator
// write their forensic trail to. Recording is fire-and-forget from the
// caller's perspective: sink failures are logged as warnings and never fail
// the operation being audited.
package audit
