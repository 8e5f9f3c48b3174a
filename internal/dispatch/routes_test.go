package dispatch

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestRouteTable_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "route_table", []byte(NewTable(nil, nil).Describe()))
}

func TestRouteTable_Mutations(t *testing.T) {
	tbl := NewTable(nil, nil)
	if len(tbl) != 18 {
		t.Fatalf("want 18 operations, got %d", len(tbl))
	}
	for op, r := range tbl {
		if r.Policy.Operation != op {
			t.Fatalf("%s: policy operation %q", op, r.Policy.Operation)
		}
		if r.Mutates == readOnly[op] {
			t.Fatalf("%s: mutates=%v", op, r.Mutates)
		}
	}
	if !tbl["reservations.create"].Idempotent {
		t.Fatalf("create must honor idempotency keys")
	}
}
