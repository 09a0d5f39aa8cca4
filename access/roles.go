package access

// PrincipalType classifies a principal.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalAgent   PrincipalType = "agent"
	PrincipalService PrincipalType = "service"
)

// Principal is an identity that can perform actions on resources.
type Principal struct {
	ID    string        `json:"id"`
	Type  PrincipalType `json:"type"`
	Roles []string      `json:"roles"`
}

// Role binds a set of permissions to a role id. A role may declare a single
// parent whose permissions are unioned in (one level of inheritance only:
// the parent's own parent is not followed).
type Role struct {
	ID          string   `json:"id"`
	Parent      string   `json:"parent,omitempty"`
	Permissions []string `json:"permissions"`
}

// PermissionAll is the wildcard granting every defined permission.
const PermissionAll = "*"

// Well-known permissions used by the fabric itself.
const (
	PermHandoffInitiate = "handoff.initiate"
	PermHandoffRead     = "handoff.read"
	PermHandoffCancel   = "handoff.cancel"
	PermConsensusVote   = "consensus.vote"
	PermConsensusRead   = "consensus.read"
	PermClaimSubmit     = "claim.submit"
	PermCodeRead        = "code.read"
	PermCodeWrite       = "code.write"
)

// Well-known resource types.
const (
	ResourceHandoff = "handoff"
	ResourceSession = "session"
	ResourceClaim   = "claim"
	ResourceCode    = "code"
)

// DefaultRoles returns the built-in role table. Callers with their own
// role model pass their table to NewGate instead.
func DefaultRoles() []Role {
	return []Role{
		{ID: "viewer", Permissions: []string{PermCodeRead, PermHandoffRead, PermConsensusRead}},
		{ID: "agent", Parent: "viewer", Permissions: []string{PermHandoffInitiate, PermHandoffCancel, PermClaimSubmit}},
		{ID: "reviewer", Parent: "viewer", Permissions: []string{PermConsensusVote}},
		{ID: "developer", Parent: "viewer", Permissions: []string{PermCodeWrite}},
		{ID: "admin", Permissions: []string{PermissionAll}},
	}
}

// DefaultResourceTypes returns the resource types the fabric knows about.
func DefaultResourceTypes() []string {
	return []string{ResourceHandoff, ResourceSession, ResourceClaim, ResourceCode}
}
