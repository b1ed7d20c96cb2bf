package domain

// Role is one of the closed set of catalog roles. Role membership is
// issued by the external identity provider; this core only consumes it.
type Role string

const (
	RoleViewer               Role = "viewer"
	RoleManager              Role = "manager"
	RoleProductAdministrator Role = "product_administrator"
	RoleSystemAdministrator  Role = "system_administrator"
)

// ParseRole maps a claim string onto a known role. Unknown strings return
// false rather than an error so callers can skip stale claims.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleViewer, RoleManager, RoleProductAdministrator, RoleSystemAdministrator:
		return Role(s), true
	}
	return "", false
}

// Principal is the already-verified caller identity supplied per call by
// the identity collaborator. It is passed explicitly into every service
// operation; there is no ambient current-user state.
type Principal struct {
	ID    string
	Roles []Role
}

// System is the principal used for system-initiated actions (retention
// runs). Its ledger entries carry no actor.
var System = Principal{ID: "", Roles: []Role{RoleSystemAdministrator}}

// IsSystem reports whether the principal is the internal system actor.
func (p Principal) IsSystem() bool { return p.ID == "" }

// HasRole reports whether the principal holds the given role.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func (p Principal) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// CanMutate reports whether the principal may apply catalog mutations.
// Only product and system administrators mutate; viewers and managers are
// read-only.
func (p Principal) CanMutate() bool {
	return p.HasAnyRole(RoleProductAdministrator, RoleSystemAdministrator)
}

// SeesInactive reports whether the principal's catalog view includes
// inactive and out-of-window products.
func (p Principal) SeesInactive() bool {
	return p.HasAnyRole(RoleProductAdministrator, RoleSystemAdministrator)
}
