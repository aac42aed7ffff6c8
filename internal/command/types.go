package command

import (
	"time"
)

// Type is one of the closed set of remote command kinds.
type Type string

// Command types.
const (
	TypeLockDevice      Type = "LOCK_DEVICE"
	TypeUnlockDevice    Type = "UNLOCK_DEVICE"
	TypeWipeDevice      Type = "WIPE_DEVICE"
	TypeRebootDevice    Type = "REBOOT_DEVICE"
	TypeLocateDevice    Type = "LOCATE_DEVICE"
	TypeRingDevice      Type = "RING_DEVICE"
	TypeInstallApp      Type = "INSTALL_APP"
	TypeUninstallApp    Type = "UNINSTALL_APP"
	TypeApplyPolicy     Type = "APPLY_POLICY"
	TypeRemovePolicy    Type = "REMOVE_POLICY"
	TypeUpdatePolicy    Type = "UPDATE_POLICY"
	TypeGetDeviceInfo   Type = "GET_DEVICE_INFO"
	TypeSetKioskMode    Type = "SET_KIOSK_MODE"
	TypeExitKioskMode   Type = "EXIT_KIOSK_MODE"
	TypeSetWifiConfig   Type = "SET_WIFI_CONFIG"
	TypeClearPasscode   Type = "CLEAR_PASSCODE"
	TypeEnableLostMode  Type = "ENABLE_LOST_MODE"
	TypeDisableLostMode Type = "DISABLE_LOST_MODE"
	TypeScreenshot      Type = "SCREENSHOT"
	TypeGetAppList      Type = "GET_APP_LIST"
	TypeSyncSettings    Type = "SYNC_SETTINGS"
)

// AllTypes returns every command type.
func AllTypes() []Type {
	return []Type{
		TypeLockDevice, TypeUnlockDevice, TypeWipeDevice, TypeRebootDevice,
		TypeLocateDevice, TypeRingDevice, TypeInstallApp, TypeUninstallApp,
		TypeApplyPolicy, TypeRemovePolicy, TypeUpdatePolicy, TypeGetDeviceInfo,
		TypeSetKioskMode, TypeExitKioskMode, TypeSetWifiConfig, TypeClearPasscode,
		TypeEnableLostMode, TypeDisableLostMode, TypeScreenshot, TypeGetAppList,
		TypeSyncSettings,
	}
}

// ReportsTelemetry reports whether successful results of this type carry
// device telemetry that should be written back to the device record.
func (t Type) ReportsTelemetry() bool {
	return t == TypeGetDeviceInfo || t == TypeLocateDevice
}

// Status is the delivery and execution state of a command.
type Status string

// Command statuses.
const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses returns every command status.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusSent, StatusExecuted, StatusFailed, StatusCancelled}
}

// transitions lists the permitted edges of the status state machine.
// FAILED -> PENDING is only taken by bulk retry.
var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusCancelled, StatusFailed},
	StatusSent:    {StatusExecuted, StatusFailed},
	StatusFailed:  {StatusPending},
}

// CanTransitionTo reports whether s -> to is an edge of the state machine.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HasResult reports whether commands in this status carry a Result.
func (s Status) HasResult() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Terminal reports whether no automatic transition leaves this status.
// FAILED is terminal for the pipeline although an operator may retry it.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// Priority is advisory. The sweeper is FIFO by creation time regardless.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// AllPriorities returns every priority.
func AllPriorities() []Priority {
	return []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}
}

// Result is the outcome reported by a device, or synthesised by the sweeper
// on timeout.
type Result struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	DeviceInfo map[string]any `json:"deviceInfo,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Command is a single instruction targeted at one device.
type Command struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	Type        Type           `json:"type"`
	Parameters  map[string]any `json:"parameters"`
	Status      Status         `json:"status"`
	Result      *Result        `json:"result,omitempty"`
	Priority    Priority       `json:"priority"`
	CreatedBy   string         `json:"created_by,omitempty"`
	ExecuteAt   *time.Time     `json:"execute_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Deferred reports whether dispatch is suppressed until ExecuteAt.
func (c *Command) Deferred(now time.Time) bool {
	return c.ExecuteAt != nil && c.ExecuteAt.After(now)
}

// DueAt is the moment the command became eligible for delivery; the
// unreachable timeout is measured from here.
func (c *Command) DueAt() time.Time {
	if c.ExecuteAt != nil && c.ExecuteAt.After(c.CreatedAt) {
		return *c.ExecuteAt
	}
	return c.CreatedAt
}

// Message is the remoteCommand payload pushed to a device channel.
type Message struct {
	CommandID  string         `json:"commandId"`
	Type       Type           `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Priority   Priority       `json:"priority,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewMessage builds the wire message for cmd.
func NewMessage(cmd *Command, at time.Time) Message {
	params := cmd.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return Message{
		CommandID:  cmd.ID,
		Type:       cmd.Type,
		Parameters: params,
		Priority:   cmd.Priority,
		Timestamp:  at.UTC(),
	}
}

// Update is the commandUpdate notification sent to observers.
type Update struct {
	CommandID string    `json:"commandId"`
	DeviceID  string    `json:"deviceId"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpdateFor builds the notification for cmd's current state.
func UpdateFor(cmd *Command) Update {
	return Update{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Type:      cmd.Type,
		Status:    cmd.Status,
		Result:    cmd.Result,
		UpdatedAt: cmd.UpdatedAt,
	}
}

// BulkOperation names a bulk state change.
type BulkOperation string

// Bulk operations.
const (
	BulkCancel BulkOperation = "cancel"
	BulkRetry  BulkOperation = "retry"
)
