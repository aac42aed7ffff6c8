// Package auth provides token authentication and role permissions for
// Fleet Core.
//
// Two kinds of bearer token are issued, both HS256 JWTs signed with the
// configured secret:
//   - operator tokens (roles viewer, operator, admin) guard the REST API
//   - device tokens (role device) bind a gateway session to one device id
//
// Permissions are a static role mapping; no database lookup is involved.
package auth
