package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/device"
)

// DeviceConnected registers ch as the device's channel and flushes its
// backlog of due PENDING commands, oldest first. A previous channel for the
// same device is evicted and closed.
//
// The flush stops at the first command the channel does not take, so the
// device never sees a later command before an earlier one.
func (s *Service) DeviceConnected(ctx context.Context, deviceID string, ch Channel) error {
	if ch.DeviceID() != deviceID {
		return fmt.Errorf("channel for %q registered as %q", ch.DeviceID(), deviceID)
	}
	if _, err := s.devices.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return err
	}

	if prev := s.conns.Register(ch); prev != nil {
		s.logger.Warn("device reconnected, evicting previous channel", "device_id", deviceID)
		if err := prev.Close(); err != nil {
			s.logger.Debug("closing evicted channel", "device_id", deviceID, "error", err)
		}
	}

	if err := s.devices.MarkConnected(ctx, deviceID); err != nil {
		s.logger.Error("failed to mark device connected", "device_id", deviceID, "error", err)
	}
	s.appendEvent(ctx, deviceID, audit.EventDeviceConnected, nil)
	s.logger.Info("device connected", "device_id", deviceID, "connected_devices", s.conns.Count())

	return s.flush(ctx, deviceID)
}

func (s *Service) flush(ctx context.Context, deviceID string) error {
	backlog, err := s.repo.ListPendingByDevice(ctx, deviceID, s.now())
	if err != nil {
		return fmt.Errorf("loading backlog for %s: %w", deviceID, err)
	}

	sent := 0
	for i := range backlog {
		ok, err := s.dispatcher.Dispatch(ctx, &backlog[i])
		if err != nil {
			s.logger.Error("backlog dispatch failed", "command_id", backlog[i].ID, "error", err)
		}
		if !ok {
			break
		}
		sent++
	}
	if len(backlog) > 0 {
		s.logger.Info("device backlog flushed",
			"device_id", deviceID,
			"pending", len(backlog),
			"sent", sent,
		)
	}
	return nil
}

// DeviceDisconnected removes ch from the registry. It does nothing when ch
// was already replaced by a newer channel for the same device.
func (s *Service) DeviceDisconnected(ctx context.Context, ch Channel) {
	deviceID := ch.DeviceID()
	if !s.conns.Unregister(ch) {
		s.logger.Debug("stale channel closed", "device_id", deviceID)
		return
	}

	if err := s.devices.MarkDisconnected(ctx, deviceID); err != nil {
		s.logger.Error("failed to mark device disconnected", "device_id", deviceID, "error", err)
	}
	s.appendEvent(ctx, deviceID, audit.EventDeviceDisconnected, nil)
	s.logger.Info("device disconnected", "device_id", deviceID, "connected_devices", s.conns.Count())
}

// Heartbeat refreshes the device's last-seen time.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) {
	if err := s.devices.Heartbeat(ctx, deviceID); err != nil {
		s.logger.Warn("heartbeat not recorded", "device_id", deviceID, "error", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, deviceID string, t audit.EventType, payload map[string]any) {
	err := s.events.Append(ctx, &audit.Event{
		DeviceID:  deviceID,
		Type:      t,
		Payload:   payload,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Error("failed to append device event", "device_id", deviceID, "type", t, "error", err)
	}
}
