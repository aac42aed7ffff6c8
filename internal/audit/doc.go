// Package audit records the append-only device event trail.
//
// Every command state change that a device or operator can observe (created,
// sent, executed, failed, cancelled) and every transport connect/disconnect
// writes exactly one Event. Command transitions append their event inside the
// same transaction as the conditional status update, so an event exists iff
// the transition committed. Rows are never updated or deleted; the schema
// enforces this with triggers.
package audit
