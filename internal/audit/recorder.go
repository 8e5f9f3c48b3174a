// Package audit writes append-only audit events on a best-effort basis.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/model"
)

// Sink accepts audit events. It has no read path.
type Sink interface {
	Write(ctx context.Context, ev model.AuditEvent) error
}

// Recorder stamps events and writes them to the sink. A failed write is
// logged and swallowed; the caller's outcome never depends on it.
type Recorder struct {
	sink  Sink
	clock clock.Clock
	ids   clock.IDs
	log   *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(sink Sink, clk clock.Clock, ids clock.IDs, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, clock: clk, ids: ids, log: log}
}

// Record writes ev, filling ID and AtMs when unset.
func (r *Recorder) Record(ctx context.Context, ev model.AuditEvent) {
	if ev.ID == "" {
		ev.ID = r.ids.NewID()
	}
	if ev.AtMs == 0 {
		ev.AtMs = r.clock.NowMs()
	}
	// audit must survive a cancelled caller
	if err := r.sink.Write(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Warn("audit write failed",
			zap.String("action", ev.Action),
			zap.String("reasonCode", ev.ReasonCode),
			zap.String("requestId", ev.RequestID),
			zap.Error(err),
		)
	}
}
