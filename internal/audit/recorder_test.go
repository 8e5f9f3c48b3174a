package audit

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/model"
)

type fakeSink struct {
	got []model.AuditEvent
	err error
}

func (f *fakeSink) Write(_ context.Context, ev model.AuditEvent) error {
	f.got = append(f.got, ev)
	return f.err
}

func TestRecorder_StampsIDAndTime(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := NewRecorder(sink, clock.NewFixed(42), &clock.SeqIDs{Prefix: "aud"}, zaptest.NewLogger(t))
	r.Record(context.Background(), model.AuditEvent{Action: "x_authz"})

	if len(sink.got) != 1 {
		t.Fatalf("want 1 event, got %d", len(sink.got))
	}
	if sink.got[0].ID != "aud-1" || sink.got[0].AtMs != 42 {
		t.Fatalf("not stamped: %+v", sink.got[0])
	}
}

func TestRecorder_KeepsExplicitFields(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := NewRecorder(sink, clock.NewFixed(42), &clock.SeqIDs{}, nil)
	r.Record(context.Background(), model.AuditEvent{ID: "given", AtMs: 7})
	if sink.got[0].ID != "given" || sink.got[0].AtMs != 7 {
		t.Fatalf("explicit fields overwritten: %+v", sink.got[0])
	}
}

func TestRecorder_SwallowsSinkError(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{err: errors.New("down")}
	r := NewRecorder(sink, clock.NewFixed(1), &clock.SeqIDs{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, model.AuditEvent{Action: "y"})
	if len(sink.got) != 1 {
		t.Fatalf("write must still be attempted")
	}
}
