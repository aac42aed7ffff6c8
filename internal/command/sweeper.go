package command

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetcore/internal/audit"
)

const (
	defaultSweepInterval = 30 * time.Second

	// TimeoutMessage is the result message of a command failed by the sweeper.
	TimeoutMessage = "device unreachable - command timeout"

	// TimeoutErrorCode is the result error code of a command failed by the sweeper.
	TimeoutErrorCode = "TIMEOUT"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Examined  int `json:"examined"`
	Delivered int `json:"delivered"`
	TimedOut  int `json:"timed_out"`
	// Remaining is the number still PENDING among those examined.
	Remaining int `json:"remaining"`
}

// Sweeper periodically retries undelivered commands and fails those whose
// device has been unreachable for longer than the timeout.
//
// Passes never overlap: a tick that fires while a pass is still running is
// skipped, and RunOnce during a pass returns ErrSweepInProgress.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	running  atomic.Bool
}

// NewSweeper creates a sweeper for svc.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.svc.logger.Info("command sweeper started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.svc.logger.Info("command sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.svc.logger.Error("command sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass over the oldest PENDING commands.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	if !w.running.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepInProgress
	}
	defer w.running.Store(false)

	start := time.Now()
	report, err := w.sweep(ctx)
	w.svc.observer.SweepCompleted(report, time.Since(start))
	if report.Examined > 0 {
		w.svc.logger.Debug("command sweep completed",
			"examined", report.Examined,
			"delivered", report.Delivered,
			"timed_out", report.TimedOut,
		)
	}
	return report, err
}

func (w *Sweeper) sweep(ctx context.Context) (SweepReport, error) {
	svc := w.svc

	pending, err := svc.repo.ListPending(ctx, svc.now(), svc.cfg.SweepBatchSize)
	if err != nil {
		return SweepReport{}, err
	}

	byDevice := make(map[string][]int)
	var order []string
	for i := range pending {
		id := pending[i].DeviceID
		if _, ok := byDevice[id]; !ok {
			order = append(order, id)
		}
		byDevice[id] = append(byDevice[id], i)
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.cfg.DispatchConcurrency)

	for _, id := range order {
		indexes := byDevice[id]
		g.Go(func() error {
			part := w.sweepDevice(gctx, pending, indexes)
			mu.Lock()
			report.Examined += part.Examined
			report.Delivered += part.Delivered
			report.TimedOut += part.TimedOut
			report.Remaining += part.Remaining
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // tasks never return errors

	return report, ctx.Err()
}

// sweepDevice handles one device's commands in creation order. Once a
// command is not taken, later ones are only checked for timeout so delivery
// order per device follows creation order.
func (w *Sweeper) sweepDevice(ctx context.Context, pending []Command, indexes []int) SweepReport {
	var report SweepReport
	svc := w.svc
	blocked := false

	for _, i := range indexes {
		if ctx.Err() != nil {
			return report
		}
		cmd := &pending[i]
		now := svc.now()
		report.Examined++

		if !blocked {
			delivered, err := svc.dispatcher.Dispatch(ctx, cmd)
			if err != nil {
				svc.logger.Error("sweep dispatch failed", "command_id", cmd.ID, "error", err)
			}
			if delivered {
				report.Delivered++
				continue
			}
			blocked = true
		}

		if now.Sub(cmd.DueAt()) <= svc.cfg.UnreachableTimeout {
			report.Remaining++
			continue
		}
		if w.expire(ctx, cmd, now) {
			report.TimedOut++
		} else {
			report.Remaining++
		}
	}
	return report
}

// expire fails cmd with the unreachable result. It reports false when the
// command left PENDING in the meantime.
func (w *Sweeper) expire(ctx context.Context, cmd *Command, now time.Time) bool {
	svc := w.svc
	failed, err := svc.repo.Transition(ctx, cmd.ID, Transition{
		From: []Status{StatusPending},
		To:   StatusFailed,
		Result: &Result{
			Success:   false,
			Message:   TimeoutMessage,
			ErrorCode: TimeoutErrorCode,
			Timestamp: now,
		},
		At:      now,
		Event:   audit.EventCommandFailed,
		Payload: map[string]any{"reason": "timeout"},
	})
	if err != nil {
		if !IsConflict(err) {
			svc.logger.Error("failed to expire command", "command_id", cmd.ID, "error", err)
		}
		return false
	}

	svc.observer.CommandTransitioned(failed)
	svc.notifier.CommandUpdated(UpdateFor(failed))
	svc.logger.Warn("command timed out",
		"command_id", failed.ID,
		"device_id", failed.DeviceID,
		"type", failed.Type,
	)
	return true
}
