package command

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
)

// Dispatcher pushes PENDING commands to connected devices.
//
// Delivery is best effort. An offline device or a channel that refuses the
// message is the normal case and leaves the command PENDING for the sweeper.
//
// Thread Safety: Dispatch is safe for concurrent use.
type Dispatcher struct {
	repo     Repository
	conns    *Connections
	notifier Notifier
	observer Observer
	logger   Logger
	now      func() time.Time
}

// Dispatch tries to deliver cmd and, on success, moves it PENDING -> SENT.
// cmd is updated in place with the stored record.
//
// It reports delivered=false without error when the device has no channel,
// the channel rejects the message, or the command is not due yet. An error
// is returned only when the push succeeded but the store could not record it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (bool, error) {
	now := d.now()
	if cmd.Status != StatusPending || cmd.Deferred(now) {
		return false, nil
	}

	ch, ok := d.conns.Lookup(cmd.DeviceID)
	if !ok {
		return false, nil
	}

	start := time.Now()
	if err := ch.Send(ctx, NewMessage(cmd, now)); err != nil {
		d.logger.Warn("command push failed",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"error", err,
		)
		d.observer.CommandDispatched(cmd, false, time.Since(start))
		return false, nil
	}

	sent, err := d.repo.Transition(ctx, cmd.ID, Transition{
		From:  []Status{StatusPending},
		To:    StatusSent,
		At:    d.now(),
		Event: audit.EventCommandSent,
	})
	d.observer.CommandDispatched(cmd, true, time.Since(start))
	if err != nil {
		if IsConflict(err) {
			// The device already answered, or the command was cancelled
			// between the push and the update.
			d.logger.Debug("command changed during dispatch",
				"command_id", cmd.ID,
				"error", err,
			)
			return true, nil
		}
		return true, fmt.Errorf("recording dispatch of %s: %w", cmd.ID, err)
	}

	*cmd = *sent
	d.observer.CommandTransitioned(sent)
	d.notifier.CommandUpdated(UpdateFor(sent))
	d.logger.Debug("command sent",
		"command_id", sent.ID,
		"device_id", sent.DeviceID,
		"type", sent.Type,
	)
	return true, nil
}
