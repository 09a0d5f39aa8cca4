package access

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfabric/agentfabric/fabric"
	"github.com/agentfabric/agentfabric/types"
)

// Decision is the result of an access check. Denial is a normal result.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithStrictMode toggles strict evaluation. Strict mode (the default) denies
// any ambiguous case; non-strict mode is for diagnostic tooling only.
func WithStrictMode(strict bool) GateOption {
	return func(g *Gate) { g.strict = strict }
}

// WithBus attaches an event bus so the gate can announce principal
// registrations.
func WithBus(bus *fabric.Bus) GateOption {
	return func(g *Gate) { g.bus = bus }
}

// Gate evaluates whether a principal may perform an action on a resource.
// The role table is static configuration; principals are registered before
// first use and unregistered principals have zero permissions.
type Gate struct {
	mu            sync.RWMutex
	roles         map[string]Role
	principals    map[string]Principal
	resourceTypes map[string]struct{}
	known         map[string]struct{} // every permission defined by any role

	strict bool
	bus    *fabric.Bus
	logger *zap.Logger
}

// NewGate creates a gate over the given role table and resource types.
func NewGate(roles []Role, resourceTypes []string, logger *zap.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		roles:         make(map[string]Role, len(roles)),
		principals:    make(map[string]Principal),
		resourceTypes: make(map[string]struct{}, len(resourceTypes)),
		known:         make(map[string]struct{}),
		strict:        true,
		logger:        logger.With(zap.String("component", "access_gate")),
	}
	for _, r := range roles {
		g.roles[r.ID] = r
		for _, p := range r.Permissions {
			if p != PermissionAll {
				g.known[p] = struct{}{}
			}
		}
	}
	for _, rt := range resourceTypes {
		g.resourceTypes[rt] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterPrincipal adds a principal to the registry. Re-registering an id
// replaces its role bindings. Roles must exist in the table.
func (g *Gate) RegisterPrincipal(p Principal) error {
	if p.ID == "" {
		return types.NewError(types.ErrUnknownPrincipal, "principal id must not be empty")
	}
	g.mu.Lock()
	for _, role := range p.Roles {
		if _, ok := g.roles[role]; !ok {
			g.mu.Unlock()
			return types.NewErrorf(types.ErrUnknownRole, "role %q is not defined", role)
		}
	}
	g.principals[p.ID] = p
	g.mu.Unlock()

	g.logger.Info("registered principal",
		zap.String("principal_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Strings("roles", p.Roles),
	)
	if g.bus != nil {
		evt := g.bus.NewEvent("access_gate", fabric.PrincipalRegistered{
			PrincipalID: p.ID,
			Type:        string(p.Type),
			Roles:       p.Roles,
		})
		if _, err := g.bus.Publish(evt); err != nil {
			g.logger.Warn("failed to publish principal.registered", zap.Error(err))
		}
	}
	return nil
}

// RevokePrincipal removes a principal. Checks against a revoked principal
// deny like any other unknown principal.
func (g *Gate) RevokePrincipal(principalID string) {
	g.mu.Lock()
	delete(g.principals, principalID)
	g.mu.Unlock()
}

// RegisterRole adds or replaces a role definition. This is an explicit admin
// operation; the table is otherwise static.
func (g *Gate) RegisterRole(r Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roles[r.ID] = r
	for _, p := range r.Permissions {
		if p != PermissionAll {
			g.known[p] = struct{}{}
		}
	}
}

// GetPrincipal returns a registered principal by id.
func (g *Gate) GetPrincipal(principalID string) (Principal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.principals[principalID]
	return p, ok
}

// CheckAccess resolves the principal's roles to a permission set (one level
// of parent inheritance) and tests membership of the requested permission.
// Unknown principal, resource type, or permission all deny with a reason.
func (g *Gate) CheckAccess(principalID, resourceID, resourceType, permission string) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	principal, ok := g.principals[principalID]
	if !ok {
		return deny("principal %q is not registered", principalID)
	}
	if _, ok := g.resourceTypes[resourceType]; !ok {
		if g.strict {
			return deny("resource type %q is not defined", resourceType)
		}
		g.logger.Warn("unknown resource type in non-strict check",
			zap.String("resource_type", resourceType))
	}
	if _, ok := g.known[permission]; !ok {
		if g.strict {
			return deny("permission %q is not defined for any role", permission)
		}
		g.logger.Warn("unknown permission in non-strict check",
			zap.String("permission", permission))
	}

	perms := g.resolve(principal)
	if _, ok := perms[PermissionAll]; ok {
		return Decision{Allowed: true}
	}
	if _, ok := perms[permission]; ok {
		return Decision{Allowed: true}
	}
	return deny("principal %q lacks permission %q on %s %q",
		principalID, permission, resourceType, resourceID)
}

// resolve unions the permission sets of the principal's roles and, for each
// role, its direct parent. Grandparents are intentionally not followed.
func (g *Gate) resolve(p Principal) map[string]struct{} {
	perms := make(map[string]struct{})
	add := func(roleID string) {
		role, ok := g.roles[roleID]
		if !ok {
			return
		}
		for _, perm := range role.Permissions {
			perms[perm] = struct{}{}
		}
	}
	for _, roleID := range p.Roles {
		add(roleID)
		if role, ok := g.roles[roleID]; ok && role.Parent != "" {
			add(role.Parent)
		}
	}
	return perms
}

// DefinedPermissions returns an unordered snapshot of every permission
// defined by the role table, excluding the wildcard.
func (g *Gate) DefinedPermissions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.known))
	for p := range g.known {
		out = append(out, p)
	}
	return out
}
