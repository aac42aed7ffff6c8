package command

import "errors"

// Domain errors for the command package.
//
// Validation errors are client mistakes rejected before any state changes.
// Conflict errors mean the record was not in the status the operation
// requires. Callers classify with errors.Is or the helpers below.
var (
	// ErrCommandNotFound is returned when a command ID does not exist.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrInvalidType is returned for an unknown command type.
	ErrInvalidType = errors.New("command: invalid type")

	// ErrInvalidParameters is returned when parameters fail the per-type rules.
	ErrInvalidParameters = errors.New("command: invalid parameters")

	// ErrInvalidPriority is returned for an unknown priority.
	ErrInvalidPriority = errors.New("command: invalid priority")

	// ErrInvalidSchedule is returned when executeAt/expiresAt are inconsistent.
	ErrInvalidSchedule = errors.New("command: invalid schedule")

	// ErrNoDevices is returned when a request names no target devices.
	ErrNoDevices = errors.New("command: no target devices")

	// ErrNoValidDevices is returned when none of the targets exist and are eligible.
	ErrNoValidDevices = errors.New("command: no valid devices")

	// ErrInvalidOperation is returned for an unknown bulk operation.
	ErrInvalidOperation = errors.New("command: invalid bulk operation")

	// ErrInvalidFilter is returned for malformed list or stats queries.
	ErrInvalidFilter = errors.New("command: invalid filter")

	// ErrConflict is returned when a conditional transition finds the record
	// in a different status than required.
	ErrConflict = errors.New("command: status conflict")

	// ErrDeviceMismatch is returned when a device reports a result for a
	// command it does not own.
	ErrDeviceMismatch = errors.New("command: device mismatch")

	// ErrUnknownDevice is returned when a channel identifies as a device that
	// is not enrolled.
	ErrUnknownDevice = errors.New("command: unknown device")

	// ErrSweepInProgress is returned by a manual sweep while another pass runs.
	ErrSweepInProgress = errors.New("command: sweep already in progress")
)

var validationErrors = []error{
	ErrInvalidType,
	ErrInvalidParameters,
	ErrInvalidPriority,
	ErrInvalidSchedule,
	ErrNoDevices,
	ErrNoValidDevices,
	ErrInvalidOperation,
	ErrInvalidFilter,
}

// IsValidation reports whether err is a client validation error.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict reports whether err is a status or ownership conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDeviceMismatch)
}
