// Package types holds the shared error taxonomy and small value types used
// across the fabric, gate, validator, consensus and orchestrator packages.
package types
