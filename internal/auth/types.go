package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read commands, statistics and devices.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally issue, cancel and retry commands.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally enroll devices.
	RoleAdmin Role = "admin"

	// RoleDevice is a managed device identity on the gateway. It carries no
	// API permissions.
	RoleDevice Role = "device"
)

// OperatorRoles is the set of roles that may call the REST API.
var OperatorRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsOperatorRole returns true if r may hold an operator token.
func IsOperatorRole(r Role) bool {
	for _, v := range OperatorRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrInvalidRole    = errors.New("invalid role")
	ErrForbidden      = errors.New("insufficient permissions")
	ErrDeviceMismatch = errors.New("token issued for a different device")
)
