// Package access provides the access control gate: a principal registry and
// a static role→permission table with single-level inheritance.
//
// Denial is a normal result, never an error. Every check resolves to an
// explicit Decision with a reason, so callers treat allowed and denied paths
// uniformly. Strict mode (the default) denies any ambiguous case; non-strict
// mode exists for diagnostic tooling only and must not be wired into the
// handoff path.
package access
