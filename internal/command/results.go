package command

import (
	"context"
	"fmt"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/device"
)

// ReportResult records the outcome a device reported for one of its
// commands and moves the command to EXECUTED or FAILED.
//
// The report is rejected without mutation when the command does not exist
// (ErrCommandNotFound) or belongs to another device (ErrDeviceMismatch). A
// report for a command still PENDING (the device answered before the
// dispatch was recorded) first moves it to SENT so the record always passes
// through SENT. Any other status is a conflict.
//
// For telemetry-bearing types a successful result is also written to the
// device record. That write is best effort and never undoes the status
// change.
func (s *Service) ReportResult(ctx context.Context, deviceID, commandID string, result Result) (*Command, error) {
	cmd, err := s.repo.GetByID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: command %s reported by %s", ErrDeviceMismatch, commandID, deviceID)
	}

	now := s.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = now
	}

	if cmd.Status == StatusPending {
		sent, err := s.repo.Transition(ctx, commandID, Transition{
			From:     []Status{StatusPending},
			To:       StatusSent,
			DeviceID: deviceID,
			At:       now,
			Event:    audit.EventCommandSent,
			Payload:  map[string]any{"via": "result"},
		})
		if err != nil && !IsConflict(err) {
			return nil, err
		}
		if sent != nil {
			s.observer.CommandTransitioned(sent)
		}
	}

	to, event := StatusExecuted, audit.EventCommandExecuted
	if !result.Success {
		to, event = StatusFailed, audit.EventCommandFailed
	}

	done, err := s.repo.Transition(ctx, commandID, Transition{
		From:     []Status{StatusSent},
		To:       to,
		DeviceID: deviceID,
		Result:   &result,
		At:       now,
		Event:    event,
	})
	if err != nil {
		return nil, err
	}

	s.observer.CommandTransitioned(done)
	s.logger.Info("command result recorded",
		"command_id", done.ID,
		"device_id", deviceID,
		"type", done.Type,
		"status", done.Status,
	)

	if result.Success && done.Type.ReportsTelemetry() && len(result.DeviceInfo) > 0 {
		s.recordTelemetry(ctx, deviceID, result)
	}

	s.notifier.CommandUpdated(UpdateFor(done))
	return done, nil
}

func (s *Service) recordTelemetry(ctx context.Context, deviceID string, result Result) {
	tel := device.TelemetryFromInfo(result.DeviceInfo, result.Timestamp)
	if err := s.devices.ApplyTelemetry(ctx, deviceID, tel); err != nil {
		s.logger.Warn("device telemetry not recorded", "device_id", deviceID, "error", err)
		return
	}
	s.observer.TelemetryRecorded(deviceID, result.DeviceInfo, result.Timestamp)
}
