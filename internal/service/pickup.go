package service

import (
	"context"
	"fmt"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// StorageReasonMissedWindows is the storage audit reason for threshold escalation.
const StorageReasonMissedWindows = "missed_pickup_windows"

func windowStage(status string) string { return "pickup:" + status }

func validWindow(startMs, endMs int64) error {
	if startMs <= 0 || endMs <= 0 {
		return errs.Invalid("window start and end are required")
	}
	if startMs >= endMs {
		return errs.Invalid("window start must be before end")
	}
	return nil
}

// OpenPickupWindow offers a pickup slot to the owner.
func (s *ReservationServiceImpl) OpenPickupWindow(ctx context.Context, c Caller, id string, startMs, endMs int64) (*model.Reservation, error) {
	if err := validWindow(startMs, endMs); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if model.IsTerminalStatus(r.Status) {
			return false, errs.WithReason(errs.ErrConflict, ReasonInvalidTransition,
				fmt.Sprintf("reservation is %s", r.Status), map[string]any{"from": r.Status})
		}
		appendStage(r, windowStage(r.PickupWindow.Status), windowStage(model.WindowOpen), "staff_open_window", c.UID, now)
		r.PickupWindow.Status = model.WindowOpen
		r.PickupWindow.ConfirmedStart = startMs
		r.PickupWindow.ConfirmedEnd = endMs
		r.PickupWindow.RequestedStart = 0
		r.PickupWindow.RequestedEnd = 0
		return true, nil
	})
}

// ConfirmPickupWindow accepts the open window on the owner's behalf.
func (s *ReservationServiceImpl) ConfirmPickupWindow(ctx context.Context, c Caller, id string) (*model.Reservation, error) {
	return s.mutate(ctx, id, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if r.PickupWindow.Status != model.WindowOpen {
			return false, errs.WithReason(errs.ErrConflict, ReasonWindowNotOpen,
				"pickup window is not open", map[string]any{"windowStatus": r.PickupWindow.Status})
		}
		appendStage(r, windowStage(model.WindowOpen), windowStage(model.WindowConfirmed), "member_confirm_window", c.UID, now)
		r.PickupWindow.Status = model.WindowConfirmed
		return true, nil
	})
}

// RescheduleInput is an owner's request to move the pickup window.
type RescheduleInput struct {
	ID      string
	StartMs int64
	EndMs   int64
	// Force lifts the one-reschedule limit; honored for staff callers only.
	Force bool
}

// ReschedulePickupWindow records a requested new slot and reopens the window.
func (s *ReservationServiceImpl) ReschedulePickupWindow(ctx context.Context, c Caller, in RescheduleInput) (*model.Reservation, error) {
	if err := validWindow(in.StartMs, in.EndMs); err != nil {
		return nil, err
	}
	return s.mutate(ctx, in.ID, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		w := &r.PickupWindow
		if w.Status != model.WindowOpen && w.Status != model.WindowConfirmed {
			return false, errs.WithReason(errs.ErrConflict, ReasonWindowNotActive,
				"no active pickup window", map[string]any{"windowStatus": w.Status})
		}
		forced := in.Force && c.Staff
		if w.RescheduleCount >= 1 && !forced {
			return false, errs.WithReason(errs.ErrConflict, ReasonRescheduleLimit,
				"pickup window was already rescheduled", map[string]any{"rescheduleCount": w.RescheduleCount})
		}
		reason := "member_request_reschedule"
		if forced {
			reason = "staff_forced_reschedule"
		}
		appendStage(r, windowStage(w.Status), windowStage(model.WindowOpen), reason, c.UID, now)
		w.RescheduleCount++
		w.Status = model.WindowOpen
		w.RequestedStart = in.StartMs
		w.RequestedEnd = in.EndMs
		return true, nil
	})
}

// MarkPickupMissed records a missed window and escalates storage at the threshold.
func (s *ReservationServiceImpl) MarkPickupMissed(ctx context.Context, c Caller, id string) (*model.Reservation, error) {
	return s.mutate(ctx, id, func(ctx context.Context, tx repository.Tx, r *model.Reservation, now int64) (bool, error) {
		w := &r.PickupWindow
		if w.Status != model.WindowOpen && w.Status != model.WindowConfirmed {
			return false, errs.WithReason(errs.ErrConflict, ReasonWindowNotActive,
				"no active pickup window", map[string]any{"windowStatus": w.Status})
		}
		appendStage(r, windowStage(w.Status), windowStage(model.WindowMissed), "staff_mark_missed", c.UID, now)
		w.Status = model.WindowMissed
		w.MissedCount++

		if w.MissedCount >= s.opts.MissedWindowThreshold && r.StorageStatus != model.StorageStoredByPolicy {
			entry := model.StorageAuditEntry{
				ID:            s.ids.NewID(),
				ReservationID: r.ID,
				OwnerUID:      r.OwnerUID,
				FromStatus:    r.StorageStatus,
				ToStatus:      model.StorageStoredByPolicy,
				Reason:        StorageReasonMissedWindows,
				AtMs:          now,
			}
			if err := tx.AddStorageAudit(ctx, entry); err != nil {
				return false, err
			}
			r.StorageStatus = model.StorageStoredByPolicy
		}
		return true, nil
	})
}
