package memory

import (
	"context"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// RunInTx implements repository.TxRunner. Writes are staged and become
// visible only when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{s: s, staged: map[string]*model.Reservation{}}
	if err := fn(ctx, t); err != nil {
		return err
	}
	for _, id := range t.order {
		s.commitReservation(t.staged[id])
	}
	s.fairness = append(s.fairness, t.fairness...)
	s.storage = append(s.storage, t.storage...)
	return nil
}

type memTx struct {
	s        *Store
	staged   map[string]*model.Reservation
	order    []string
	fairness []model.FairnessEvidence
	storage  []model.StorageAuditEntry
}

func (t *memTx) current(id string) (*model.Reservation, bool) {
	if r, ok := t.staged[id]; ok {
		return r, true
	}
	r, ok := t.s.reservations[id]
	return r, ok
}

func (t *memTx) stage(r *model.Reservation) {
	if _, ok := t.staged[r.ID]; !ok {
		t.order = append(t.order, r.ID)
	}
	t.staged[r.ID] = r.Clone()
}

func (t *memTx) GetReservation(_ context.Context, id string) (*model.Reservation, error) {
	r, ok := t.current(id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) InsertReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.current(r.ID); ok {
		return errs.ErrAlreadyExists
	}
	t.stage(r)
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.current(r.ID); !ok {
		return errs.ErrNotFound
	}
	if r.ArrivalTokenLookup != "" {
		if owner, ok := t.s.arrival[r.ArrivalTokenLookup]; ok && owner != r.ID {
			return errs.ErrAlreadyExists
		}
	}
	t.stage(r)
	return nil
}

// LockStation is a no-op: the store mutex already serializes transactions.
func (t *memTx) LockStation(context.Context, string) error { return nil }

func (t *memTx) CommittedHalfShelves(_ context.Context, stationID, excludeID string) (int, error) {
	seen := map[string]bool{}
	sum := 0
	add := func(r *model.Reservation) {
		if r.ID == excludeID || r.AssignedStationID != stationID || !r.CountsTowardCapacity() {
			return
		}
		sum += r.EstimatedHalfShelves
	}
	for id, r := range t.staged {
		seen[id] = true
		add(r)
	}
	for id, r := range t.s.reservations {
		if !seen[id] {
			add(r)
		}
	}
	return sum, nil
}

func (t *memTx) AddFairnessEvidence(_ context.Context, ev model.FairnessEvidence) error {
	t.fairness = append(t.fairness, ev)
	return nil
}

func (t *memTx) AddStorageAudit(_ context.Context, e model.StorageAuditEntry) error {
	t.storage = append(t.storage, e)
	return nil
}
