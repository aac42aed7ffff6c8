// Package device provides the device registry for Fleet Core.
//
// A Device is an enrolled endpoint that can receive remote commands. The
// registry answers two questions for the command pipeline: which of a set of
// ids are eligible for new commands (ENROLLED or ACTIVE), and where to write
// liveness and telemetry reported back by devices.
//
// # Key Types
//
//   - Device: enrolled endpoint with enrollment status and live connection state
//   - Status: ENROLLED, ACTIVE, INACTIVE, LOST, RETIRED
//   - Telemetry: location, battery and info fields extracted from command results
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	eligible, skipped, err := registry.ResolveEligible(ctx, ids)
package device
