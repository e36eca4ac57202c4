package model

import "time"

// ScopeKind tags which tenants a viewer subscription covers
type ScopeKind int

const (
	ScopeKindAll ScopeKind = iota
	ScopeKindTenant
)

// Scope is either All or Tenant(id)
type Scope struct {
	Kind     ScopeKind
	TenantID string
}

// ScopeAll returns the scope matching every tenant
func ScopeAll() Scope {
	return Scope{Kind: ScopeKindAll}
}

// ScopeTenant returns the scope matching a single tenant
func ScopeTenant(id string) Scope {
	return Scope{Kind: ScopeKindTenant, TenantID: id}
}

// Matches reports whether a message from tenantID belongs to the scope
func (s Scope) Matches(tenantID string) bool {
	switch s.Kind {
	case ScopeKindAll:
		return true
	case ScopeKindTenant:
		return s.TenantID == tenantID
	default:
		return false
	}
}

// String renders the scope for logs and metric labels
func (s Scope) String() string {
	if s.Kind == ScopeKindAll {
		return "all"
	}
	return "tenant:" + s.TenantID
}

// Subscription binds a viewer connection to its scope for the connection's lifetime
type Subscription struct {
	Handle      string
	Scope       Scope
	ConnectedAt time.Time
}
