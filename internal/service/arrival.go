package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/kilnkeeper/internal/crypto"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// issueArrivalToken replaces the reservation's arrival token. The previous
// lookup digest stops resolving once the update commits.
func (s *ReservationServiceImpl) issueArrivalToken(r *model.Reservation, now int64) error {
	token, err := crypto.NewArrivalToken()
	if err != nil {
		return fmt.Errorf("arrival token: %w", err)
	}
	lookup, err := crypto.ArrivalLookupKey(s.opts.LookupKey, token)
	if err != nil {
		return fmt.Errorf("arrival lookup: %w", err)
	}
	r.ArrivalToken = token
	r.ArrivalTokenLookup = lookup
	r.ArrivalTokenVersion++
	r.ArrivalTokenExpiresAtMs = now + s.opts.ArrivalTokenTTL.Milliseconds()
	return nil
}

// retireArrivalToken stops a reservation's token from resolving. The
// version is kept so a later reissue still counts up.
func retireArrivalToken(r *model.Reservation) {
	r.ArrivalToken = ""
	r.ArrivalTokenLookup = ""
	r.ArrivalTokenExpiresAtMs = 0
}

// CheckIn marks the owner as arrived. Repeating it is a no-op.
func (s *ReservationServiceImpl) CheckIn(ctx context.Context, c Caller, id string) (*model.Reservation, error) {
	return s.mutate(ctx, id, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if r.Status != model.StatusConfirmed {
			return false, errs.WithReason(errs.ErrConflict, ReasonNotConfirmed,
				"only confirmed reservations can check in", map[string]any{"status": r.Status})
		}
		if r.ArrivalStatus == model.ArrivalArrived {
			return false, nil
		}
		appendStage(r, "arrival:"+r.ArrivalStatus, "arrival:"+model.ArrivalArrived, "check_in", c.UID, now)
		r.ArrivalStatus = model.ArrivalArrived
		r.ArrivedAtMs = now
		return true, nil
	})
}

// LookupArrival resolves a front-desk arrival token to its reservation.
func (s *ReservationServiceImpl) LookupArrival(ctx context.Context, token string) (*model.Reservation, error) {
	if !crypto.ValidArrivalToken(token) {
		return nil, errs.Invalid("malformed arrival token")
	}
	lookup, err := crypto.ArrivalLookupKey(s.opts.LookupKey, token)
	if err != nil {
		return nil, fmt.Errorf("arrival lookup: %w", err)
	}
	r, err := s.reservations.FindByArrivalLookup(ctx, lookup)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.WithReason(errs.ErrNotFound, ReasonArrivalTokenNotFound, "arrival token not recognized", nil)
		}
		return nil, err
	}
	// rows cancelled before tokens were retired still carry a lookup
	if model.IsTerminalStatus(r.Status) {
		return nil, errs.WithReason(errs.ErrNotFound, ReasonArrivalTokenNotFound, "arrival token not recognized", nil)
	}
	if s.clock.NowMs() >= r.ArrivalTokenExpiresAtMs {
		return nil, errs.WithReason(errs.ErrConflict, ReasonArrivalTokenExpired, "arrival token expired",
			map[string]any{"reservationId": r.ID, "expiresAtMs": r.ArrivalTokenExpiresAtMs})
	}
	return r, nil
}

// RotateArrivalToken issues a fresh token and invalidates the old one.
func (s *ReservationServiceImpl) RotateArrivalToken(ctx context.Context, c Caller, id string) (*model.Reservation, error) {
	return s.mutate(ctx, id, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if model.IsTerminalStatus(r.Status) {
			return false, errs.WithReason(errs.ErrConflict, ReasonInvalidTransition,
				fmt.Sprintf("reservation is %s", r.Status), map[string]any{"from": r.Status})
		}
		if r.ArrivalTokenLookup == "" {
			return false, errs.Conflict(ReasonNoArrivalToken, "reservation has no arrival token")
		}
		if err := s.issueArrivalToken(r, now); err != nil {
			return false, err
		}
		appendStage(r, r.Status, r.Status, fmt.Sprintf("arrival_token_rotated:v%d", r.ArrivalTokenVersion), c.UID, now)
		return true, nil
	})
}
