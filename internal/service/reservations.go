// Package service contains the reservation lifecycle engine and the agent-facing reads.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/crypto"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// Caller is the already-authorized principal on whose behalf a mutation runs.
type Caller struct {
	UID   string
	Staff bool
}

// Shelf limits accepted at intake.
const (
	MinHalfShelves = 1
	MaxHalfShelves = 16
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Conflict reasons returned by the engine.
const (
	ReasonInvalidTransition     = "INVALID_TRANSITION"
	ReasonLoadStatusRegression  = "LOAD_STATUS_REGRESSION"
	ReasonAlreadyCancelled      = "ALREADY_CANCELLED"
	ReasonUnknownStation        = "UNKNOWN_STATION"
	ReasonCapacityExceeded      = "STATION_CAPACITY_EXCEEDED"
	ReasonWindowNotOpen         = "PICKUP_WINDOW_NOT_OPEN"
	ReasonWindowNotActive       = "PICKUP_WINDOW_NOT_ACTIVE"
	ReasonRescheduleLimit       = "RESCHEDULE_LIMIT_REACHED"
	ReasonNotConfirmed          = "RESERVATION_NOT_CONFIRMED"
	ReasonNoArrivalToken        = "NO_ARRIVAL_TOKEN"
	ReasonArrivalTokenExpired   = "ARRIVAL_TOKEN_EXPIRED"
	ReasonArrivalTokenNotFound  = "ARRIVAL_TOKEN_NOT_FOUND"
	ReasonFiringTypeNotAccepted = "FIRING_TYPE_NOT_ACCEPTED"
)

var firingTypes = map[string]bool{
	model.FiringBisque:   true,
	model.FiringGlaze:    true,
	model.FiringRaku:     true,
	model.FiringLuster:   true,
	model.FiringTestTile: true,
}

// Options tunes lifecycle policy.
type Options struct {
	// Stations maps station id to capacity in half shelves.
	Stations              map[string]int
	MissedWindowThreshold int
	ArrivalTokenTTL       time.Duration
	NoShowPoints          int
	LateArrivalPoints     int
	// LookupKey keys arrival token digests; ExportKey keys export signatures.
	LookupKey []byte
	ExportKey []byte
}

// KeysFromSecret derives the lookup and export keys from one master secret.
func KeysFromSecret(secret []byte) (lookup, export []byte, err error) {
	if lookup, err = crypto.DeriveKey(secret, crypto.LabelArrivalLookup); err != nil {
		return nil, nil, err
	}
	if export, err = crypto.DeriveKey(secret, crypto.LabelContinuityExport); err != nil {
		return nil, nil, err
	}
	return lookup, export, nil
}

// ReservationService is the reservation lifecycle engine. Authorization has
// already happened by the time any method runs.
type ReservationService interface {
	Create(ctx context.Context, c Caller, in CreateInput) (*model.Reservation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
	List(ctx context.Context, ownerUID string, limit int) ([]model.Reservation, error)
	Cancel(ctx context.Context, c Caller, id, reason string) (*model.Reservation, error)
	UpdateStatus(ctx context.Context, c Caller, in UpdateInput) (*model.Reservation, error)
	AssignStation(ctx context.Context, c Caller, id, stationID string) (*AssignResult, error)

	OpenPickupWindow(ctx context.Context, c Caller, id string, startMs, endMs int64) (*model.Reservation, error)
	ConfirmPickupWindow(ctx context.Context, c Caller, id string) (*model.Reservation, error)
	ReschedulePickupWindow(ctx context.Context, c Caller, in RescheduleInput) (*model.Reservation, error)
	MarkPickupMissed(ctx context.Context, c Caller, id string) (*model.Reservation, error)

	AdjustQueueFairness(ctx context.Context, c Caller, in FairnessInput) (*FairnessResult, error)

	CheckIn(ctx context.Context, c Caller, id string) (*model.Reservation, error)
	LookupArrival(ctx context.Context, token string) (*model.Reservation, error)
	RotateArrivalToken(ctx context.Context, c Caller, id string) (*model.Reservation, error)

	ExportContinuity(ctx context.Context, ownerUID string) (*ContinuityExport, error)
}

// ReservationServiceImpl implements ReservationService over a transactional store.
type ReservationServiceImpl struct {
	tx           repository.TxRunner
	reservations repository.ReservationRepository
	evidence     repository.EvidenceRepository
	clock        clock.Clock
	ids          clock.IDs
	opts         Options
}

// NewReservationService constructs the engine, filling unset options with defaults.
func NewReservationService(tx repository.TxRunner, reservations repository.ReservationRepository,
	evidence repository.EvidenceRepository, clk clock.Clock, ids clock.IDs, opts Options) *ReservationServiceImpl {
	if opts.MissedWindowThreshold <= 0 {
		opts.MissedWindowThreshold = 2
	}
	if opts.ArrivalTokenTTL <= 0 {
		opts.ArrivalTokenTTL = 30 * 24 * time.Hour
	}
	if opts.NoShowPoints <= 0 {
		opts.NoShowPoints = 2
	}
	if opts.LateArrivalPoints <= 0 {
		opts.LateArrivalPoints = 1
	}
	return &ReservationServiceImpl{tx: tx, reservations: reservations, evidence: evidence, clock: clk, ids: ids, opts: opts}
}

// CreateInput describes a new reservation.
type CreateInput struct {
	OwnerUID             string
	FiringType           string
	EstimatedHalfShelves int
	IntakeMode           string
	DropOff              model.DropOffProfile
	AddOns               model.AddOns
	Notes                string
}

// Create validates intake and stores a REQUESTED reservation.
func (s *ReservationServiceImpl) Create(ctx context.Context, c Caller, in CreateInput) (*model.Reservation, error) {
	if in.OwnerUID == "" {
		return nil, errs.Invalid("ownerUid is required")
	}
	if !firingTypes[in.FiringType] {
		return nil, errs.Invalid(fmt.Sprintf("unknown firingType %q", in.FiringType))
	}
	if in.EstimatedHalfShelves < MinHalfShelves || in.EstimatedHalfShelves > MaxHalfShelves {
		return nil, errs.Invalid(fmt.Sprintf("estimatedHalfShelves must be between %d and %d", MinHalfShelves, MaxHalfShelves))
	}
	if in.IntakeMode == "" {
		in.IntakeMode = model.IntakeNormal
	}
	if in.IntakeMode != model.IntakeNormal && in.IntakeMode != model.IntakeCommunityShelf {
		return nil, errs.Invalid(fmt.Sprintf("unknown intakeMode %q", in.IntakeMode))
	}
	if in.AddOns.Delivery && (in.AddOns.DeliveryAddress == "" || in.AddOns.DeliveryInstructions == "") {
		return nil, errs.Invalid("delivery requires both deliveryAddress and deliveryInstructions")
	}
	if in.DropOff.BisqueOnly && in.FiringType != model.FiringBisque {
		return nil, errs.WithReason(errs.ErrInvalidArgument, ReasonFiringTypeNotAccepted,
			"drop-off profile accepts bisque firings only", map[string]any{"firingType": in.FiringType})
	}

	now := s.clock.NowMs()
	ts := clock.TimeOf(now)
	r := &model.Reservation{
		ID:                   s.ids.NewID(),
		OwnerUID:             in.OwnerUID,
		Status:               model.StatusRequested,
		LoadStatus:           model.LoadQueued,
		FiringType:           in.FiringType,
		EstimatedHalfShelves: in.EstimatedHalfShelves,
		IntakeMode:           in.IntakeMode,
		DropOff:              in.DropOff,
		AddOns:               in.AddOns,
		Notes:                in.Notes,
		ArrivalStatus:        model.ArrivalExpected,
		PickupWindow:         model.PickupWindow{Status: model.WindowNone},
		StorageStatus:        model.StorageActive,
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}
	appendStage(r, "", model.StatusRequested, "created", c.UID, now)

	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	return r, nil
}

// Get loads one reservation.
func (s *ReservationServiceImpl) Get(ctx context.Context, id string) (*model.Reservation, error) {
	return s.reservations.Get(ctx, id)
}

// List returns the owner's reservations, newest first.
func (s *ReservationServiceImpl) List(ctx context.Context, ownerUID string, limit int) ([]model.Reservation, error) {
	if ownerUID == "" {
		return nil, errs.Invalid("ownerUid is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.reservations.ListByOwner(ctx, ownerUID, limit)
}

// Cancel moves a reservation to CANCELLED.
func (s *ReservationServiceImpl) Cancel(ctx context.Context, c Caller, id, reason string) (*model.Reservation, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.mutate(ctx, id, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if r.Status == model.StatusCancelled {
			return false, errs.Conflict(ReasonAlreadyCancelled, "reservation is already cancelled")
		}
		appendStage(r, r.Status, model.StatusCancelled, reason, c.UID, now)
		r.Status = model.StatusCancelled
		return true, nil
	})
}

// UpdateInput is a staff status and/or load status change.
type UpdateInput struct {
	ID         string
	Status     string
	LoadStatus string
	Reason     string
}

// UpdateStatus applies a staff-driven status or load status change.
func (s *ReservationServiceImpl) UpdateStatus(ctx context.Context, c Caller, in UpdateInput) (*model.Reservation, error) {
	if in.Status == "" && in.LoadStatus == "" {
		return nil, errs.Invalid("status or loadStatus is required")
	}
	if in.Status != "" && !validStatus(in.Status) {
		return nil, errs.Invalid(fmt.Sprintf("unknown status %q", in.Status))
	}
	if in.LoadStatus != "" && loadIndex(in.LoadStatus) < 0 {
		return nil, errs.Invalid(fmt.Sprintf("unknown loadStatus %q", in.LoadStatus))
	}
	reason := in.Reason
	if reason == "" {
		reason = "staff_update"
	}

	return s.mutate(ctx, in.ID, func(_ context.Context, _ repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if model.IsTerminalStatus(r.Status) &&
			((in.Status != "" && in.Status != r.Status) || (in.LoadStatus != "" && in.LoadStatus != r.LoadStatus)) {
			return false, errs.WithReason(errs.ErrConflict, ReasonInvalidTransition,
				fmt.Sprintf("reservation is %s", r.Status),
				map[string]any{"from": r.Status, "to": in.Status})
		}
		if in.LoadStatus != "" && loadIndex(in.LoadStatus) < loadIndex(r.LoadStatus) {
			return false, errs.WithReason(errs.ErrConflict, ReasonLoadStatusRegression,
				"loadStatus only moves forward",
				map[string]any{"from": r.LoadStatus, "to": in.LoadStatus})
		}

		from, to := r.Status, r.Status
		if in.Status != "" && in.Status != r.Status {
			if in.Status == model.StatusConfirmed {
				if err := s.issueArrivalToken(r, now); err != nil {
					return false, err
				}
			}
			to = in.Status
		}
		if in.LoadStatus != "" && in.LoadStatus != r.LoadStatus {
			from += "/" + r.LoadStatus
			to += "/" + in.LoadStatus
			r.LoadStatus = in.LoadStatus
		}
		appendStage(r, from, to, reason, c.UID, now)
		r.Status, _, _ = strings.Cut(to, "/")
		return true, nil
	})
}

// AssignResult is the outcome of a station assignment.
type AssignResult struct {
	Reservation     *model.Reservation `json:"reservation"`
	StationID       string             `json:"stationId"`
	Capacity        int                `json:"capacity"`
	UsedHalfShelves int                `json:"usedHalfShelves"`
}

// AssignStation places a reservation at a station if capacity allows. The
// capacity read and the assignment write share one transaction.
func (s *ReservationServiceImpl) AssignStation(ctx context.Context, c Caller, id, stationID string) (*AssignResult, error) {
	capacity, ok := s.opts.Stations[stationID]
	if !ok {
		return nil, errs.WithReason(errs.ErrInvalidArgument, ReasonUnknownStation,
			fmt.Sprintf("unknown station %q", stationID), map[string]any{"stationId": stationID})
	}

	var used int
	r, err := s.mutate(ctx, id, func(ctx context.Context, tx repository.Tx, r *model.Reservation, now int64) (bool, error) {
		if model.IsTerminalStatus(r.Status) {
			return false, errs.WithReason(errs.ErrConflict, ReasonInvalidTransition,
				fmt.Sprintf("reservation is %s", r.Status), map[string]any{"from": r.Status})
		}
		if err := tx.LockStation(ctx, stationID); err != nil {
			return false, err
		}
		committed, err := tx.CommittedHalfShelves(ctx, stationID, r.ID)
		if err != nil {
			return false, err
		}
		own := r.EstimatedHalfShelves
		if r.IntakeMode == model.IntakeCommunityShelf {
			own = 0
		}
		if committed+own > capacity {
			return false, errs.WithReason(errs.ErrConflict, ReasonCapacityExceeded,
				fmt.Sprintf("station %s has %d of %d half shelves committed", stationID, committed, capacity),
				map[string]any{"stationId": stationID, "used": committed, "capacity": capacity, "requested": own})
		}
		used = committed + own
		appendStage(r, r.Status, r.Status, "station_assigned:"+stationID, c.UID, now)
		r.AssignedStationID = stationID
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &AssignResult{Reservation: r, StationID: stationID, Capacity: capacity, UsedHalfShelves: used}, nil
}

// mutateFunc changes r in place and reports whether anything changed.
type mutateFunc func(ctx context.Context, tx repository.Tx, r *model.Reservation, now int64) (bool, error)

// mutate runs fn against the locked current snapshot of reservation id and
// writes it back in the same transaction.
func (s *ReservationServiceImpl) mutate(ctx context.Context, id string, fn mutateFunc) (*model.Reservation, error) {
	if id == "" {
		return nil, errs.Invalid("reservationId is required")
	}
	var out *model.Reservation
	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock.NowMs()
		changed, err := fn(ctx, tx, r, now)
		if err != nil {
			return err
		}
		if changed {
			if model.IsTerminalStatus(r.Status) {
				retireArrivalToken(r)
			}
			r.UpdatedAt = clock.TimeOf(now)
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	return out, nil
}

func appendStage(r *model.Reservation, from, to, reason, actorUID string, now int64) {
	r.StageHistory = append(r.StageHistory, model.StageHistoryEntry{
		FromStage: from,
		ToStage:   to,
		Reason:    reason,
		ActorUID:  actorUID,
		AtMs:      now,
	})
}

func validStatus(s string) bool {
	switch s {
	case model.StatusRequested, model.StatusConfirmed, model.StatusWaitlisted, model.StatusCancelled:
		return true
	}
	return false
}

func loadIndex(s string) int {
	for i, v := range model.LoadOrder {
		if v == s {
			return i
		}
	}
	return -1
}
