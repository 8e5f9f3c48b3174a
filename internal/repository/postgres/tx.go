package postgres

import (
	"context"
	"encoding/json"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
	"github.com/jackc/pgx/v5"
)

// TxRunner runs lifecycle mutations in one database transaction.
type TxRunner struct{ db *DB }

// NewTxRunner constructs a transaction runner.
func NewTxRunner(db *DB) *TxRunner { return &TxRunner{db: db} }

// RunInTx begins a transaction, runs fn and commits when fn succeeds.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(ctx, &pgTx{tx: tx})
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	const q = `SELECT doc FROM reservations WHERE id=$1 FOR UPDATE`
	return scanReservation(t.tx.QueryRow(ctx, q, id))
}

func (t *pgTx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO reservations (id, owner_uid, station_id, status, intake_mode, half_shelves, arrival_lookup, doc, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = t.tx.Exec(ctx, q, r.ID, r.OwnerUID, r.AssignedStationID, r.Status, r.IntakeMode,
		r.EstimatedHalfShelves, nullable(r.ArrivalTokenLookup), doc, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	const q = `
UPDATE reservations
SET station_id=$2, status=$3, intake_mode=$4, half_shelves=$5, arrival_lookup=$6, doc=$7, updated_at=$8
WHERE id=$1`
	tag, err := t.tx.Exec(ctx, q, r.ID, r.AssignedStationID, r.Status, r.IntakeMode,
		r.EstimatedHalfShelves, nullable(r.ArrivalTokenLookup), doc, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// LockStation takes a transaction-scoped advisory lock on the station id.
func (t *pgTx) LockStation(ctx context.Context, stationID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stationID)
	return err
}

func (t *pgTx) CommittedHalfShelves(ctx context.Context, stationID, excludeID string) (int, error) {
	const q = `
SELECT COALESCE(SUM(half_shelves),0) FROM reservations
WHERE station_id=$1 AND id<>$2 AND status<>$3 AND intake_mode<>$4`
	var sum int64
	err := t.tx.QueryRow(ctx, q, stationID, excludeID, model.StatusCancelled, model.IntakeCommunityShelf).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return int(sum), nil
}

func (t *pgTx) AddFairnessEvidence(ctx context.Context, ev model.FairnessEvidence) error {
	const q = `
INSERT INTO fairness_evidence (id, reservation_id, owner_uid, kind, reason, points, actor_uid, at_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := t.tx.Exec(ctx, q, ev.ID, ev.ReservationID, ev.OwnerUID, ev.Kind, ev.Reason, ev.Points, ev.ActorUID, ev.AtMs)
	return err
}

func (t *pgTx) AddStorageAudit(ctx context.Context, e model.StorageAuditEntry) error {
	const q = `
INSERT INTO storage_audit (id, reservation_id, owner_uid, from_status, to_status, reason, at_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := t.tx.Exec(ctx, q, e.ID, e.ReservationID, e.OwnerUID, e.FromStatus, e.ToStatus, e.Reason, e.AtMs)
	return err
}

var (
	_ repository.TxRunner              = (*TxRunner)(nil)
	_ repository.ReservationRepository = (*ReservationRepo)(nil)
	_ repository.DelegationRepository  = (*DelegationRepo)(nil)
	_ repository.OrderRepository       = (*OrderRepo)(nil)
	_ repository.RequestRepository     = (*RequestRepo)(nil)
	_ repository.AuditRepository       = (*AuditRepo)(nil)
	_ repository.EvidenceRepository    = (*EvidenceRepo)(nil)
	_ repository.IdempotencyRepository = (*IdempotencyRepo)(nil)
)
