package command

import (
	"context"
	"fmt"

	"github.com/nerrad567/fleetcore/internal/audit"
)

// Cancel moves a PENDING command to CANCELLED. Any other status is a
// conflict and nothing changes. A command already pushed to its device
// cannot be recalled.
func (s *Service) Cancel(ctx context.Context, id string) (*Command, error) {
	cmd, err := s.repo.Transition(ctx, id, Transition{
		From:  []Status{StatusPending},
		To:    StatusCancelled,
		At:    s.now(),
		Event: audit.EventCommandCancelled,
	})
	if err != nil {
		return nil, err
	}

	s.observer.CommandTransitioned(cmd)
	s.notifier.CommandUpdated(UpdateFor(cmd))
	s.logger.Info("command cancelled", "command_id", id, "device_id", cmd.DeviceID)
	return cmd, nil
}

// Bulk applies op to the listed commands and returns how many changed.
//
// cancel affects only PENDING commands and records a CANCELLED event for
// each. retry affects only FAILED commands, putting them back to PENDING for
// the next sweep with their result cleared. Ids in any other status, and
// unknown ids, are skipped silently.
func (s *Service) Bulk(ctx context.Context, op BulkOperation, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no command ids", ErrInvalidParameters)
	}
	if len(ids) > maxBulkIDs {
		return 0, fmt.Errorf("%w: at most %d ids per request", ErrInvalidParameters, maxBulkIDs)
	}

	var t Transition
	switch op {
	case BulkCancel:
		t = Transition{From: []Status{StatusPending}, To: StatusCancelled, Event: audit.EventCommandCancelled}
	case BulkRetry:
		t = Transition{From: []Status{StatusFailed}, To: StatusPending}
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	t.At = s.now()

	changed, err := s.repo.BulkTransition(ctx, dedupe(ids), t)
	if err != nil {
		return 0, err
	}

	for i := range changed {
		s.observer.CommandTransitioned(&changed[i])
		s.notifier.CommandUpdated(UpdateFor(&changed[i]))
	}
	s.logger.Info("bulk operation applied",
		"operation", op,
		"requested", len(ids),
		"affected", len(changed),
	)
	return len(changed), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
