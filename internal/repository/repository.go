// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/kilnkeeper/internal/model"
)

// ReservationRepository provides non-locking reads of reservations.
type ReservationRepository interface {
	// Get loads a reservation by ID.
	Get(ctx context.Context, id string) (*model.Reservation, error)
	// ListByOwner returns the owner's reservations, newest first, at most limit.
	ListByOwner(ctx context.Context, ownerUID string, limit int) ([]model.Reservation, error)
	// FindByArrivalLookup loads the reservation indexed under an arrival lookup digest.
	FindByArrivalLookup(ctx context.Context, lookup string) (*model.Reservation, error)
}

// DelegationRepository provides access to delegation records.
type DelegationRepository interface {
	// Get loads a delegation by ID.
	Get(ctx context.Context, id string) (*model.Delegation, error)
	// Revoke stamps revokedAtMs and marks the delegation inactive.
	Revoke(ctx context.Context, id string, atMs int64) (*model.Delegation, error)
}

// OrderRepository provides read access to orders.
type OrderRepository interface {
	Get(ctx context.Context, id string) (*model.Order, error)
}

// RequestRepository provides read access to service requests.
type RequestRepository interface {
	Get(ctx context.Context, id string) (*model.ServiceRequest, error)
}

// AuditRepository is the append-only audit sink.
type AuditRepository interface {
	Write(ctx context.Context, ev model.AuditEvent) error
}

// EvidenceRepository reads the immutable fairness and storage histories.
type EvidenceRepository interface {
	FairnessByOwner(ctx context.Context, ownerUID string) ([]model.FairnessEvidence, error)
	StorageAuditByOwner(ctx context.Context, ownerUID string) ([]model.StorageAuditEntry, error)
}

// IdempotencyRepository claims keys before a call executes and stores the
// result afterwards, so concurrent retries run the call at most once.
type IdempotencyRepository interface {
	// Claim atomically inserts a pending record for key. When key is already
	// taken it returns the existing record and claimed=false.
	Claim(ctx context.Context, key string, nowMs int64) (rec *model.IdempotencyRecord, claimed bool, err error)
	// Complete stores the result of a claimed key and clears Pending.
	Complete(ctx context.Context, key string, data map[string]any) error
	// Release drops a pending claim so a later retry can execute.
	Release(ctx context.Context, key string) error
}

// Tx is the transactional view used by lifecycle mutations. Reads through Tx
// see the transaction's own writes and lock what they read.
type Tx interface {
	// GetReservation loads and locks a reservation.
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	// InsertReservation stores a new reservation.
	InsertReservation(ctx context.Context, r *model.Reservation) error
	// UpdateReservation replaces the stored reservation.
	UpdateReservation(ctx context.Context, r *model.Reservation) error
	// LockStation serializes capacity decisions for one station.
	LockStation(ctx context.Context, stationID string) error
	// CommittedHalfShelves sums half shelves of non-terminal, non-community-shelf
	// reservations assigned to stationID, excluding excludeID.
	CommittedHalfShelves(ctx context.Context, stationID, excludeID string) (int, error)
	// AddFairnessEvidence appends a queue-fairness evidence record.
	AddFairnessEvidence(ctx context.Context, ev model.FairnessEvidence) error
	// AddStorageAudit appends a storage audit record.
	AddStorageAudit(ctx context.Context, e model.StorageAuditEntry) error
}

// TxRunner runs fn inside one atomic read-modify-write transaction.
// fn's error rolls the transaction back and is returned unchanged.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
