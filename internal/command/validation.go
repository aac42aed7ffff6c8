package command

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxDevicesPerRequest = 1000
	maxParameterKeys     = 50
	maxBulkIDs           = 1000
)

var (
	validTypes      map[Type]struct{}
	validStatuses   map[Status]struct{}
	validPriorities map[Priority]struct{}
)

func init() {
	validTypes = make(map[Type]struct{}, len(AllTypes()))
	for _, t := range AllTypes() {
		validTypes[t] = struct{}{}
	}
	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}
	validPriorities = make(map[Priority]struct{}, len(AllPriorities()))
	for _, p := range AllPriorities() {
		validPriorities[p] = struct{}{}
	}
}

// ValidType reports whether t is a known command type.
func ValidType(t Type) bool {
	_, ok := validTypes[t]
	return ok
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	_, ok := validStatuses[s]
	return ok
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	_, ok := validPriorities[p]
	return ok
}

// parameterRule checks the parameters of one command type.
type parameterRule func(params map[string]any) error

var parameterRules = map[Type]parameterRule{
	TypeInstallApp: func(p map[string]any) error {
		if !present(p, "packageName") && !present(p, "appUrl") {
			return fmt.Errorf("%w: INSTALL_APP requires packageName or appUrl", ErrInvalidParameters)
		}
		return nil
	},
	TypeUninstallApp:  requireKey(TypeUninstallApp, "packageName"),
	TypeApplyPolicy:   requireKey(TypeApplyPolicy, "policyId"),
	TypeRemovePolicy:  requireKey(TypeRemovePolicy, "policyId"),
	TypeUpdatePolicy:  requireKey(TypeUpdatePolicy, "policyId"),
	TypeSetWifiConfig: requireKey(TypeSetWifiConfig, "ssid"),
	TypeSetKioskMode: func(p map[string]any) error {
		apps, ok := p["allowedApps"].([]any)
		if !ok {
			if s, isStrings := p["allowedApps"].([]string); isStrings {
				ok, apps = true, make([]any, len(s))
			}
		}
		if !ok || len(apps) == 0 {
			return fmt.Errorf("%w: SET_KIOSK_MODE requires a non-empty allowedApps list", ErrInvalidParameters)
		}
		return nil
	},
}

func requireKey(t Type, key string) parameterRule {
	return func(p map[string]any) error {
		if !present(p, key) {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidParameters, t, key)
		}
		return nil
	}
}

// present reports whether key holds a non-empty value.
func present(p map[string]any, key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// ValidateParameters checks params against the required fields for t.
// Types without a rule accept any parameters.
func ValidateParameters(t Type, params map[string]any) error {
	if !ValidType(t) {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if len(params) > maxParameterKeys {
		return fmt.Errorf("%w: more than %d keys", ErrInvalidParameters, maxParameterKeys)
	}
	if rule, ok := parameterRules[t]; ok {
		return rule(params)
	}
	return nil
}

// CreateRequest asks for one command of the same type on each target device.
type CreateRequest struct {
	DeviceIDs  []string       `json:"device_ids"`
	Type       Type           `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	ExecuteAt  *time.Time     `json:"execute_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedBy  string         `json:"-"`
}

// Validate checks the request shape and normalises the priority. It runs
// once per request, before any device lookup or record is written.
func (r *CreateRequest) Validate(now time.Time) error {
	if len(r.DeviceIDs) == 0 {
		return ErrNoDevices
	}
	if len(r.DeviceIDs) > maxDevicesPerRequest {
		return fmt.Errorf("%w: at most %d devices per request", ErrInvalidParameters, maxDevicesPerRequest)
	}
	for _, id := range r.DeviceIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty device id", ErrInvalidParameters)
		}
	}

	if err := ValidateParameters(r.Type, r.Parameters); err != nil {
		return err
	}

	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !ValidPriority(r.Priority) {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority)
	}

	if r.ExpiresAt != nil {
		if !r.ExpiresAt.After(now) {
			return fmt.Errorf("%w: expires_at is in the past", ErrInvalidSchedule)
		}
		if r.ExecuteAt != nil && !r.ExpiresAt.After(*r.ExecuteAt) {
			return fmt.Errorf("%w: expires_at must be after execute_at", ErrInvalidSchedule)
		}
	}
	return nil
}
