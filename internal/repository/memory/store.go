// Package memory is an in-process implementation of the repository interfaces.
// It backs tests and the --store=memory development mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// Store holds every entity behind one mutex. A transaction holds the mutex
// for its whole duration, so transactions are fully serialized.
type Store struct {
	mu sync.Mutex

	reservations map[string]*model.Reservation
	arrival      map[string]string // lookup digest -> reservation id
	delegations  map[string]*model.Delegation
	orders       map[string]*model.Order
	requests     map[string]*model.ServiceRequest
	idempotency  map[string]model.IdempotencyRecord

	audit    []model.AuditEvent
	fairness []model.FairnessEvidence
	storage  []model.StorageAuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		reservations: map[string]*model.Reservation{},
		arrival:      map[string]string{},
		delegations:  map[string]*model.Delegation{},
		orders:       map[string]*model.Order{},
		requests:     map[string]*model.ServiceRequest{},
		idempotency:  map[string]model.IdempotencyRecord{},
	}
}

// PutDelegation stores or replaces a delegation.
func (s *Store) PutDelegation(d model.Delegation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Scopes = append([]string(nil), d.Scopes...)
	d.Resources = append([]string(nil), d.Resources...)
	s.delegations[d.ID] = &d
}

// PutOrder stores or replaces an order.
func (s *Store) PutOrder(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

// PutRequest stores or replaces a service request.
func (s *Store) PutRequest(r model.ServiceRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = &r
}

// PutReservation stores or replaces a reservation outside any transaction.
func (s *Store) PutReservation(r model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitReservation(r.Clone())
}

// AuditEvents returns a snapshot of the audit log in write order.
func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.audit...)
}

func (s *Store) commitReservation(r *model.Reservation) {
	if prev, ok := s.reservations[r.ID]; ok && prev.ArrivalTokenLookup != "" && prev.ArrivalTokenLookup != r.ArrivalTokenLookup {
		delete(s.arrival, prev.ArrivalTokenLookup)
	}
	if r.ArrivalTokenLookup != "" {
		s.arrival[r.ArrivalTokenLookup] = r.ID
	}
	s.reservations[r.ID] = r
}

// ReservationRepo is the memory ReservationRepository.
type ReservationRepo struct{ s *Store }

// NewReservationRepo constructs a reservation repository over s.
func NewReservationRepo(s *Store) *ReservationRepo { return &ReservationRepo{s: s} }

// Get implements repository.ReservationRepository.
func (r *ReservationRepo) Get(_ context.Context, id string) (*model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return res.Clone(), nil
}

// ListByOwner implements repository.ReservationRepository.
func (r *ReservationRepo) ListByOwner(_ context.Context, ownerUID string, limit int) ([]model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Reservation, 0)
	for _, res := range r.s.reservations {
		if res.OwnerUID == ownerUID {
			out = append(out, *res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByArrivalLookup implements repository.ReservationRepository.
func (r *ReservationRepo) FindByArrivalLookup(_ context.Context, lookup string) (*model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.arrival[lookup]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.s.reservations[id].Clone(), nil
}

// DelegationRepo is the memory DelegationRepository.
type DelegationRepo struct{ s *Store }

// NewDelegationRepo constructs a delegation repository over s.
func NewDelegationRepo(s *Store) *DelegationRepo { return &DelegationRepo{s: s} }

// Get implements repository.DelegationRepository.
func (r *DelegationRepo) Get(_ context.Context, id string) (*model.Delegation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.delegations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *d
	return &c, nil
}

// Revoke implements repository.DelegationRepository.
func (r *DelegationRepo) Revoke(_ context.Context, id string, atMs int64) (*model.Delegation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.delegations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if d.RevokedAtMs == 0 {
		d.RevokedAtMs = atMs
	}
	d.Status = model.DelegationInactive
	c := *d
	return &c, nil
}

// OrderRepo is the memory OrderRepository.
type OrderRepo struct{ s *Store }

// NewOrderRepo constructs an order repository over s.
func NewOrderRepo(s *Store) *OrderRepo { return &OrderRepo{s: s} }

// Get implements repository.OrderRepository.
func (r *OrderRepo) Get(_ context.Context, id string) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *o
	return &c, nil
}

// RequestRepo is the memory RequestRepository.
type RequestRepo struct{ s *Store }

// NewRequestRepo constructs a service request repository over s.
func NewRequestRepo(s *Store) *RequestRepo { return &RequestRepo{s: s} }

// Get implements repository.RequestRepository.
func (r *RequestRepo) Get(_ context.Context, id string) (*model.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.requests[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *q
	return &c, nil
}

// AuditRepo is the memory audit sink.
type AuditRepo struct{ s *Store }

// NewAuditRepo constructs an audit sink over s.
func NewAuditRepo(s *Store) *AuditRepo { return &AuditRepo{s: s} }

// Write implements repository.AuditRepository.
func (r *AuditRepo) Write(_ context.Context, ev model.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	meta := make(map[string]any, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	ev.Metadata = meta
	r.s.audit = append(r.s.audit, ev)
	return nil
}

// EvidenceRepo is the memory EvidenceRepository.
type EvidenceRepo struct{ s *Store }

// NewEvidenceRepo constructs an evidence repository over s.
func NewEvidenceRepo(s *Store) *EvidenceRepo { return &EvidenceRepo{s: s} }

// FairnessByOwner implements repository.EvidenceRepository.
func (r *EvidenceRepo) FairnessByOwner(_ context.Context, ownerUID string) ([]model.FairnessEvidence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.FairnessEvidence, 0)
	for _, ev := range r.s.fairness {
		if ev.OwnerUID == ownerUID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// StorageAuditByOwner implements repository.EvidenceRepository.
func (r *EvidenceRepo) StorageAuditByOwner(_ context.Context, ownerUID string) ([]model.StorageAuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.StorageAuditEntry, 0)
	for _, e := range r.s.storage {
		if e.OwnerUID == ownerUID {
			out = append(out, e)
		}
	}
	return out, nil
}

// IdempotencyRepo is the memory IdempotencyRepository.
type IdempotencyRepo struct{ s *Store }

// NewIdempotencyRepo constructs an idempotency repository over s.
func NewIdempotencyRepo(s *Store) *IdempotencyRepo { return &IdempotencyRepo{s: s} }

// Claim implements repository.IdempotencyRepository.
func (r *IdempotencyRepo) Claim(_ context.Context, key string, nowMs int64) (*model.IdempotencyRecord, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec, ok := r.s.idempotency[key]; ok {
		return &rec, false, nil
	}
	r.s.idempotency[key] = model.IdempotencyRecord{Key: key, Pending: true, CreatedAtMs: nowMs}
	return nil, true, nil
}

// Complete implements repository.IdempotencyRepository.
func (r *IdempotencyRepo) Complete(_ context.Context, key string, data map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.idempotency[key]
	if !ok {
		return errs.ErrNotFound
	}
	rec.Data, rec.Pending = data, false
	r.s.idempotency[key] = rec
	return nil
}

// Release implements repository.IdempotencyRepository.
func (r *IdempotencyRepo) Release(_ context.Context, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec, ok := r.s.idempotency[key]; ok && rec.Pending {
		delete(r.s.idempotency, key)
	}
	return nil
}

var (
	_ repository.ReservationRepository = (*ReservationRepo)(nil)
	_ repository.DelegationRepository  = (*DelegationRepo)(nil)
	_ repository.OrderRepository       = (*OrderRepo)(nil)
	_ repository.RequestRepository     = (*RequestRepo)(nil)
	_ repository.AuditRepository       = (*AuditRepo)(nil)
	_ repository.EvidenceRepository    = (*EvidenceRepo)(nil)
	_ repository.IdempotencyRepository = (*IdempotencyRepo)(nil)
	_ repository.TxRunner              = (*Store)(nil)
)
