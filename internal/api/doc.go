// Package api implements the HTTP REST API and dashboard WebSocket for
// Fleet Core.
//
// This package provides:
//   - REST endpoints to issue, list, inspect, cancel and retry commands
//   - command statistics and XLSX export
//   - minimal device enrollment and the device event log
//   - a WebSocket hub that pushes commandUpdate notifications to dashboards
//   - the Prometheus scrape endpoint and the device gateway mount point
//
// # Security
//
// Operator routes take an HS256 bearer token (see package auth). Each route
// requires a permission; viewers read, operators issue and manage commands,
// admins also enroll devices. The dashboard socket takes the same token as a
// query parameter since browsers cannot set headers on upgrade requests.
//
// # Errors
//
// Failures use the structured body {"status", "code", "message"}. Validation
// failures map to 400, unknown ids to 404, status conflicts to 409.
package api
