package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin       = "admin"
	RoleCoordinator = "coordinator"
	RoleClinician   = "clinician"
	RoleViewer      = "viewer"
	RoleSuperAdmin  = "super_admin"
	RoleService     = "service" // hidden role for machine-to-machine jobs
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }
