package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/jackc/pgx/v5"
)

// ReservationRepo implements ReservationRepository using PostgreSQL.
type ReservationRepo struct{ db *DB }

// NewReservationRepo constructs a reservation repository.
func NewReservationRepo(db *DB) *ReservationRepo { return &ReservationRepo{db: db} }

// Get loads a reservation by id.
func (r *ReservationRepo) Get(ctx context.Context, id string) (*model.Reservation, error) {
	const q = `SELECT doc FROM reservations WHERE id=$1`
	return scanReservation(r.db.Pool.QueryRow(ctx, q, id))
}

// ListByOwner returns the owner's reservations, newest first.
func (r *ReservationRepo) ListByOwner(ctx context.Context, ownerUID string, limit int) ([]model.Reservation, error) {
	const q = `
SELECT doc FROM reservations
WHERE owner_uid=$1
ORDER BY created_at DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, ownerUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Reservation, 0)
	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return nil, err
		}
		var res model.Reservation
		if err = json.Unmarshal(doc, &res); err != nil {
			return nil, fmt.Errorf("decode reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// FindByArrivalLookup loads the reservation indexed under an arrival lookup digest.
func (r *ReservationRepo) FindByArrivalLookup(ctx context.Context, lookup string) (*model.Reservation, error) {
	const q = `SELECT doc FROM reservations WHERE arrival_lookup=$1`
	return scanReservation(r.db.Pool.QueryRow(ctx, q, lookup))
}

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, notFound(err)
	}
	var res model.Reservation
	if err := json.Unmarshal(doc, &res); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	return &res, nil
}
