// Package orchestrator moves a unit of work from a source agent to a
// target agent through an ordered provider chain with per-provider retry
// and fallback, then gates the result behind claim validation and an
// optional consensus veto before delivery.
//
// Handoffs run concurrently; within one handoff the steps are strictly
// sequential. Terminal results are delivered as events, not return values.
package orchestrator
