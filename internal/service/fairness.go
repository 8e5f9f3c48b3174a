package service

import (
	"context"
	"fmt"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// Queue fairness actions.
const (
	FairnessRecordNoShow      = "record_no_show"
	FairnessRecordLateArrival = "record_late_arrival"
	FairnessSetOverrideBoost  = "set_override_boost"
)

// Queue fairness reason codes.
const (
	CodeNoShowPenalty      = "no_show_penalty"
	CodeLateArrivalPenalty = "late_arrival_penalty"
	CodeStaffOverrideBoost = "staff_override_boost"
)

// FairnessInput is one staff adjustment.
type FairnessInput struct {
	ID     string
	Action string
	Reason string
	// BoostPoints is the new override boost for set_override_boost.
	BoostPoints int
}

// FairnessSummary is the derived penalty view of a reservation.
type FairnessSummary struct {
	NoShowCount            int      `json:"noShowCount"`
	LateArrivalCount       int      `json:"lateArrivalCount"`
	OverrideBoost          int      `json:"overrideBoost"`
	PenaltyPoints          int      `json:"penaltyPoints"`
	EffectivePenaltyPoints int      `json:"effectivePenaltyPoints"`
	ReasonCodes            []string `json:"reasonCodes"`
}

// FairnessResult is the outcome of AdjustQueueFairness.
type FairnessResult struct {
	Reservation   *model.Reservation `json:"reservation"`
	QueueFairness FairnessSummary    `json:"queueFairness"`
	EvidenceID    string             `json:"evidenceId"`
}

// Summarize derives penalty points and reason codes from the counters.
func (s *ReservationServiceImpl) Summarize(q model.QueueFairness) FairnessSummary {
	penalty := q.NoShowCount*s.opts.NoShowPoints + q.LateArrivalCount*s.opts.LateArrivalPoints
	effective := penalty - q.OverrideBoost
	if effective < 0 {
		effective = 0
	}
	codes := make([]string, 0, 3)
	if q.NoShowCount > 0 {
		codes = append(codes, CodeNoShowPenalty)
	}
	if q.LateArrivalCount > 0 {
		codes = append(codes, CodeLateArrivalPenalty)
	}
	if q.OverrideBoost > 0 {
		codes = append(codes, CodeStaffOverrideBoost)
	}
	return FairnessSummary{
		NoShowCount:            q.NoShowCount,
		LateArrivalCount:       q.LateArrivalCount,
		OverrideBoost:          q.OverrideBoost,
		PenaltyPoints:          penalty,
		EffectivePenaltyPoints: effective,
		ReasonCodes:            codes,
	}
}

// AdjustQueueFairness records evidence and updates the penalty counters.
func (s *ReservationServiceImpl) AdjustQueueFairness(ctx context.Context, c Caller, in FairnessInput) (*FairnessResult, error) {
	if in.Reason == "" {
		return nil, errs.Invalid("reason is required")
	}
	var kind string
	switch in.Action {
	case FairnessRecordNoShow:
		kind = model.EvidenceNoShow
	case FairnessRecordLateArrival:
		kind = model.EvidenceLateArrival
	case FairnessSetOverrideBoost:
		kind = model.EvidenceOverrideBoost
		if in.BoostPoints < 0 {
			return nil, errs.Invalid("boostPoints must not be negative")
		}
	default:
		return nil, errs.Invalid(fmt.Sprintf("unknown action %q", in.Action))
	}

	evidenceID := s.ids.NewID()
	r, err := s.mutate(ctx, in.ID, func(ctx context.Context, tx repository.Tx, r *model.Reservation, now int64) (bool, error) {
		q := &r.QueueFairness
		points := 0
		switch kind {
		case model.EvidenceNoShow:
			q.NoShowCount++
			points = s.opts.NoShowPoints
		case model.EvidenceLateArrival:
			q.LateArrivalCount++
			points = s.opts.LateArrivalPoints
		case model.EvidenceOverrideBoost:
			q.OverrideBoost = in.BoostPoints
			points = in.BoostPoints
		}
		ev := model.FairnessEvidence{
			ID:            evidenceID,
			ReservationID: r.ID,
			OwnerUID:      r.OwnerUID,
			Kind:          kind,
			Reason:        in.Reason,
			Points:        points,
			ActorUID:      c.UID,
			AtMs:          now,
		}
		if err := tx.AddFairnessEvidence(ctx, ev); err != nil {
			return false, err
		}
		appendStage(r, r.Status, r.Status, "queue_fairness:"+in.Action, c.UID, now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &FairnessResult{Reservation: r, QueueFairness: s.Summarize(r.QueueFairness), EvidenceID: evidenceID}, nil
}
