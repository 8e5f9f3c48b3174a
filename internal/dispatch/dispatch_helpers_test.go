package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/audit"
	"github.com/and161185/kilnkeeper/internal/authz"
	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/limiter"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/repository/memory"
	"github.com/and161185/kilnkeeper/internal/service"
)

const t0 = int64(1_700_000_000_000)

var signKey = []byte("dispatch-test-key")

type stubLimiter struct {
	mu    sync.Mutex
	check func(key string) (limiter.Result, error)
	keys  []string
}

func (s *stubLimiter) Check(_ context.Context, key string, _ int, _ time.Duration) (limiter.Result, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.check == nil {
		return limiter.Result{OK: true}, nil
	}
	return s.check(key)
}

type harness struct {
	d      *Dispatcher
	store  *memory.Store
	lim    *stubLimiter
	issuer *actor.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memory.New()
	clk := clock.NewFixed(t0)
	lookup, export, err := service.KeysFromSecret([]byte("dispatch-secret"))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}

	res := service.NewReservationService(st, memory.NewReservationRepo(st), memory.NewEvidenceRepo(st), clk,
		&clock.SeqIDs{Prefix: "res"}, service.Options{
			Stations:  map[string]int{"kiln-a": 4},
			LookupKey: lookup,
			ExportKey: export,
		})
	agent := service.NewAgentService(memory.NewOrderRepo(st), memory.NewRequestRepo(st), memory.NewDelegationRepo(st), clk)

	rec := audit.NewRecorder(memory.NewAuditRepo(st), clk, &clock.SeqIDs{Prefix: "aud"}, log)
	owners := authz.RepoOwners{
		Reservations: memory.NewReservationRepo(st),
		Orders:       memory.NewOrderRepo(st),
		Requests:     memory.NewRequestRepo(st),
		Delegations:  memory.NewDelegationRepo(st),
	}
	enf := authz.NewEnforcer(authz.Config{StrictDelegationChecks: true}, owners, memory.NewDelegationRepo(st), rec, clk, log)

	lim := &stubLimiter{}
	d := New(Deps{
		Table:       NewTable(res, agent),
		Resolver:    actor.NewResolver(signKey, "kilnkeeper"),
		Enforcer:    enf,
		Idempotency: memory.NewIdempotencyRepo(st),
		Limiter:     lim,
		Audit:       rec,
		Clock:       clk,
		IDs:         &clock.SeqIDs{Prefix: "call"},
		RouteLimit:  Limit{Max: 10, Window: time.Minute},
		AgentLimit:  Limit{Max: 5, Window: time.Minute},
		Log:         log,
	})
	return &harness{d: d, store: st, lim: lim, issuer: actor.NewIssuer(signKey)}
}

func (h *harness) session(t *testing.T, uid string, staff bool) string {
	t.Helper()
	tok, err := h.issuer.Session(uid, staff, time.Hour)
	if err != nil {
		t.Fatalf("session token: %v", err)
	}
	return "Bearer " + tok
}

func (h *harness) personal(t *testing.T, uid string, scopes ...string) string {
	t.Helper()
	tok, err := h.issuer.Personal(uid, scopes, time.Hour)
	if err != nil {
		t.Fatalf("personal token: %v", err)
	}
	return "Bearer " + tok
}

func (h *harness) delegated(t *testing.T, uid, agentID, delegationID string, scopes ...string) string {
	t.Helper()
	tok, err := h.issuer.DelegatedToken(uid, agentID, delegationID, "kilnkeeper", scopes, 10*time.Minute)
	if err != nil {
		t.Fatalf("delegated token: %v", err)
	}
	return "Bearer " + tok
}

func (h *harness) do(path, auth string, p params.Params) Response {
	return h.d.Handle(context.Background(), Request{Path: path, Authorization: auth, RemoteAddr: "10.0.0.7:5123", Params: p})
}

// must fails the test unless resp is ok and returns its data.
func must(t *testing.T, resp Response) map[string]any {
	t.Helper()
	if !resp.Envelope.OK {
		t.Fatalf("call failed: %d %s %s %v", resp.HTTPStatus, resp.Envelope.Code, resp.Envelope.Message, resp.Envelope.Details)
	}
	return resp.Envelope.Data
}

func reservationOf(t *testing.T, data map[string]any) map[string]any {
	t.Helper()
	r, ok := data["reservation"].(map[string]any)
	if !ok {
		t.Fatalf("no reservation in %v", data)
	}
	return r
}

func (h *harness) events(action string) []model.AuditEvent {
	var out []model.AuditEvent
	for _, ev := range h.store.AuditEvents() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

// withoutRequestID strips the per-call fields so two envelopes can be compared.
func withoutRequestID(r Response) Response {
	r.RequestID = ""
	r.Envelope.RequestID = ""
	return r
}
