package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser       = "user"
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsStaff reports whether the role operates the dispatcher rather than placing calls.
func IsStaff(role string) bool { return role == RoleOperator || role == RoleSuperAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleUser, RoleOperator, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
