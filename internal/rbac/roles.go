package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsKnownRole reports whether role is one this service issues tokens for.
func IsKnownRole(role string) bool {
	switch role {
	case RoleAgent, RoleSupervisor, RoleSuperAdmin:
		return true
	}
	return false
}
