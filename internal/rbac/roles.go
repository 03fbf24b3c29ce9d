package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"
	RoleSecurityAdmin   = "security_admin"
	RoleSecurityAnalyst = "security_analyst"
	RoleAuditor         = "auditor"
	RoleMember          = "member"
	RoleSuperAdmin      = "super_admin"
	// RoleAuthService is the hidden role of the authentication service that
	// reports login signals.
	RoleAuthService = "auth_service"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleAuthService }

// Readers may view events, statistics and audit entries.
var Readers = []string{RoleOwner, RoleSecurityAdmin, RoleSecurityAnalyst, RoleAuditor}

// Investigators may change investigation state.
var Investigators = []string{RoleOwner, RoleSecurityAdmin, RoleSecurityAnalyst}

// Admins may run privileged operations such as impersonation logging and
// rate-limit resets.
var Admins = []string{RoleOwner, RoleSecurityAdmin}
