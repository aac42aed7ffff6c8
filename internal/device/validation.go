package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxNameLength   = 100
	maxSerialLength = 64
	maxInfoKeys     = 100
)

var (
	validStatuses  map[Status]struct{}
	validPlatforms map[Platform]struct{}
)

func init() {
	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}

	validPlatforms = make(map[Platform]struct{}, len(AllPlatforms()))
	for _, p := range AllPlatforms() {
		validPlatforms[p] = struct{}{}
	}
}

// ValidStatus reports whether s is a recognised enrollment status.
func ValidStatus(s Status) bool {
	_, ok := validStatuses[s]
	return ok
}

// ValidPlatform reports whether p is a supported platform.
func ValidPlatform(p Platform) bool {
	_, ok := validPlatforms[p]
	return ok
}

// ValidateDevice checks a device before it is persisted.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}

	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}

	if d.SerialNumber != nil && len(*d.SerialNumber) > maxSerialLength {
		return fmt.Errorf("%w: serial number exceeds %d characters", ErrInvalidDevice, maxSerialLength)
	}

	if !ValidStatus(d.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	if !ValidPlatform(d.Platform) {
		return fmt.Errorf("%w: %q", ErrInvalidPlatform, d.Platform)
	}

	if d.Location != nil && !d.Location.Valid() {
		return ErrInvalidLocation
	}

	if len(d.Info) > maxInfoKeys {
		return fmt.Errorf("%w: info has more than %d keys", ErrInvalidDevice, maxInfoKeys)
	}

	return nil
}

// NewID generates a device identifier.
func NewID() string {
	return "dev-" + uuid.NewString()
}
