package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose ID or serial number is taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidPlatform is returned when a platform value is not recognised.
	ErrInvalidPlatform = errors.New("device: invalid platform")

	// ErrInvalidLocation is returned when reported coordinates are out of range.
	ErrInvalidLocation = errors.New("device: invalid location")
)
