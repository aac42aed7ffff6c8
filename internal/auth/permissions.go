package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermCommandRead   Permission = "command:read"
	PermCommandIssue  Permission = "command:issue"
	PermCommandManage Permission = "command:manage"
	PermDeviceRead    Permission = "device:read"
	PermDeviceEnroll  Permission = "device:enroll"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermCommandRead,
		PermDeviceRead,
	},
	RoleOperator: {
		PermCommandRead,
		PermCommandIssue,
		PermCommandManage,
		PermDeviceRead,
	},
	RoleAdmin: {
		PermCommandRead,
		PermCommandIssue,
		PermCommandManage,
		PermDeviceRead,
		PermDeviceEnroll,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles and for RoleDevice.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
