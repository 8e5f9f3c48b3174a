package postgres

import (
	"context"

	"github.com/and161185/kilnkeeper/internal/model"
)

// OrderRepo implements OrderRepository using PostgreSQL.
type OrderRepo struct{ db *DB }

// NewOrderRepo constructs an order repository.
func NewOrderRepo(db *DB) *OrderRepo { return &OrderRepo{db: db} }

// Get loads an order by id.
func (r *OrderRepo) Get(ctx context.Context, id string) (*model.Order, error) {
	const q = `
SELECT id, owner_uid, status, amount_cents, reservation_id, updated_at
FROM orders WHERE id=$1`
	var o model.Order
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&o.ID, &o.OwnerUID, &o.Status, &o.AmountCents, &o.ReservationID, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// RequestRepo implements RequestRepository using PostgreSQL.
type RequestRepo struct{ db *DB }

// NewRequestRepo constructs a service request repository.
func NewRequestRepo(db *DB) *RequestRepo { return &RequestRepo{db: db} }

// Get loads a service request by id.
func (r *RequestRepo) Get(ctx context.Context, id string) (*model.ServiceRequest, error) {
	const q = `
SELECT id, owner_uid, status, summary, updated_at
FROM service_requests WHERE id=$1`
	var s model.ServiceRequest
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.OwnerUID, &s.Status, &s.Summary, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}
