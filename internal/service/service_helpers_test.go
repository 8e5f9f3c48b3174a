package service

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository/memory"
)

const t0 = int64(1_700_000_000_000)

var (
	owner = Caller{UID: "member-1"}
	staff = Caller{UID: "staff-1", Staff: true}
)

type engine struct {
	svc   *ReservationServiceImpl
	store *memory.Store
	clock *clock.Fixed
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	lookup, export, err := KeysFromSecret([]byte("test-secret"))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	st := memory.New()
	clk := clock.NewFixed(t0)
	svc := NewReservationService(st, memory.NewReservationRepo(st), memory.NewEvidenceRepo(st), clk,
		&clock.SeqIDs{Prefix: "id"}, Options{
			Stations:  map[string]int{"kiln-a": 8, "kiln-b": 4},
			LookupKey: lookup,
			ExportKey: export,
		})
	return &engine{svc: svc, store: st, clock: clk}
}

func (e *engine) create(t *testing.T, in CreateInput) *model.Reservation {
	t.Helper()
	if in.OwnerUID == "" {
		in.OwnerUID = owner.UID
	}
	if in.FiringType == "" {
		in.FiringType = model.FiringGlaze
	}
	if in.EstimatedHalfShelves == 0 {
		in.EstimatedHalfShelves = 2
	}
	r, err := e.svc.Create(context.Background(), owner, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func (e *engine) confirmed(t *testing.T) *model.Reservation {
	t.Helper()
	r := e.create(t, CreateInput{})
	r, err := e.svc.UpdateStatus(context.Background(), staff, UpdateInput{ID: r.ID, Status: model.StatusConfirmed})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return r
}

func wantReason(t *testing.T, err error, sentinel error, reason string) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("want %v, got %v", sentinel, err)
	}
	got, _, _ := errs.Reason(err)
	if got != reason {
		t.Fatalf("want reason %s, got %q (%v)", reason, got, err)
	}
}

func lastStage(r *model.Reservation) model.StageHistoryEntry {
	return r.StageHistory[len(r.StageHistory)-1]
}
