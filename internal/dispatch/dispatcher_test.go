package dispatch

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/and161185/kilnkeeper/internal/authz"
	"github.com/and161185/kilnkeeper/internal/limiter"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/params"
)

func createParams() params.Params {
	return params.Params{"firingType": "glaze", "estimatedHalfShelves": float64(2), "notes": "six mugs"}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"v1/reservations.get":   "/v1/reservations.get",
		"/v1/reservations.get/": "/v1/reservations.get",
		"/v1//reservations.get": "/v1//reservations.get",
		"/":                     "/",
		"":                      "/",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatch_Families(t *testing.T) {
	tbl := NewTable(nil, nil)
	for _, p := range []string{
		"/v1/reservations.create",
		"/apiV1/v1/reservations.create",
		"v1/reservations.create/",
		"apiV1/v1/reservations.create",
	} {
		r, _, ok := tbl.Match(p)
		if !ok || r.Operation != "reservations.create" {
			t.Fatalf("%s did not match", p)
		}
	}
	for _, p := range []string{
		"/v1//reservations.create",
		"/v1/reservations.create//",
		"/v2/reservations.create",
		"/apiV1/reservations.create",
		"/v1/",
	} {
		if _, _, ok := tbl.Match(p); ok {
			t.Fatalf("%s must not match", p)
		}
	}
}

func TestHandle_UnknownRoute(t *testing.T) {
	h := newHarness(t)
	resp := h.do("/v1//reservations.get", "", nil)
	if resp.HTTPStatus != http.StatusNotFound || resp.Envelope.Code != CodeNotFound {
		t.Fatalf("want 404, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	if !strings.HasPrefix(resp.RequestID, "req_") || resp.Envelope.RequestID != resp.RequestID {
		t.Fatalf("request id: %q / %q", resp.RequestID, resp.Envelope.RequestID)
	}
	evs := h.events(ActionRouteReject)
	if len(evs) != 1 || evs[0].ReasonCode != ReasonRouteNotFound || evs[0].ResourceID != "/v1//reservations.get" {
		t.Fatalf("reject audit: %+v", evs)
	}
	if len(h.lim.keys) != 0 {
		t.Fatalf("unknown routes are not rate limited")
	}
}

func TestParity_Create(t *testing.T) {
	var got []Response
	for _, prefix := range []string{CanonicalPrefix, LegacyPrefix} {
		h := newHarness(t)
		got = append(got, withoutRequestID(h.do(prefix+"reservations.create", h.session(t, "member-1", false), createParams())))
	}
	if !got[0].Envelope.OK {
		t.Fatalf("create failed: %+v", got[0].Envelope)
	}
	if !reflect.DeepEqual(got[0], got[1]) {
		t.Fatalf("families differ:\n%+v\n%+v", got[0], got[1])
	}
}

func TestParity_AssignStation(t *testing.T) {
	var accepted, rejected []Response
	for _, prefix := range []string{CanonicalPrefix, LegacyPrefix} {
		h := newHarness(t)
		member := h.session(t, "member-1", false)
		staff := h.session(t, "staff-1", true)

		big := createParams()
		big["estimatedHalfShelves"] = float64(3)
		first := reservationOf(t, must(t, h.do(prefix+"reservations.create", member, big)))
		second := reservationOf(t, must(t, h.do(prefix+"reservations.create", member, createParams())))

		accepted = append(accepted, withoutRequestID(h.do(prefix+"reservations.assignStation", staff,
			params.Params{"reservationId": first["id"], "stationId": "kiln-a"})))
		rejected = append(rejected, withoutRequestID(h.do(prefix+"reservations.assignStation", staff,
			params.Params{"reservationId": second["id"], "stationId": "kiln-a"})))
	}

	if !accepted[0].Envelope.OK || accepted[0].Envelope.Data["usedHalfShelves"] != float64(3) {
		t.Fatalf("assign: %+v", accepted[0].Envelope)
	}
	rej := rejected[0]
	if rej.HTTPStatus != http.StatusConflict || rej.Envelope.Code != CodeConflict {
		t.Fatalf("want 409, got %d %s", rej.HTTPStatus, rej.Envelope.Code)
	}
	if rej.Envelope.Details["reason"] != "STATION_CAPACITY_EXCEEDED" || rej.Envelope.Details["used"] != 3 || rej.Envelope.Details["requested"] != 2 {
		t.Fatalf("details: %v", rej.Envelope.Details)
	}
	if !reflect.DeepEqual(accepted[0], accepted[1]) || !reflect.DeepEqual(rejected[0], rejected[1]) {
		t.Fatalf("families differ")
	}
}

func TestParity_Update(t *testing.T) {
	var got []Response
	for _, prefix := range []string{CanonicalPrefix, LegacyPrefix} {
		h := newHarness(t)
		r := reservationOf(t, must(t, h.do(prefix+"reservations.create", h.session(t, "member-1", false), createParams())))
		got = append(got, withoutRequestID(h.do(prefix+"reservations.update", h.session(t, "staff-1", true),
			params.Params{"reservationId": r["id"], "status": model.StatusWaitlisted, "loadStatus": model.LoadLoading})))
	}
	r := reservationOf(t, must(t, got[0]))
	if r["status"] != model.StatusWaitlisted || r["loadStatus"] != model.LoadLoading {
		t.Fatalf("update: %v", r)
	}
	if !reflect.DeepEqual(got[0], got[1]) {
		t.Fatalf("families differ:\n%+v\n%+v", got[0], got[1])
	}
}

func TestHandle_UnauthenticatedStaffMutation(t *testing.T) {
	h := newHarness(t)
	resp := h.do("/v1/reservations.update", "", params.Params{"reservationId": "res-1", "status": "CONFIRMED"})
	if resp.HTTPStatus != http.StatusUnauthorized || resp.Envelope.Code != authz.ReasonUnauthenticated {
		t.Fatalf("want 401 UNAUTHENTICATED, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	evs := h.events("reservations_update_admin_auth")
	if len(evs) != 1 || evs[0].ReasonCode != authz.ReasonUnauthenticated || evs[0].Result != model.ResultDeny {
		t.Fatalf("audit: %+v", evs)
	}
}

func TestHandle_BadCredential(t *testing.T) {
	h := newHarness(t)
	resp := h.do("/v1/reservations.get", "Bearer not-a-jwt", params.Params{"reservationId": "res-1"})
	if resp.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.HTTPStatus)
	}
	evs := h.events(authz.RouteAuthzAction)
	if len(evs) != 1 || evs[0].ReasonCode != authz.ReasonUnauthenticated {
		t.Fatalf("audit: %+v", evs)
	}
}

func TestHandle_DelegationResourceMissing(t *testing.T) {
	h := newHarness(t)
	h.store.PutOrder(model.Order{ID: "o-1", OwnerUID: "member-1", Status: "paid"})
	h.store.PutDelegation(model.Delegation{
		ID:            "del-1",
		OwnerUID:      "member-1",
		AgentClientID: "agent-a",
		Scopes:        []string{"status:read"},
		Resources:     []string{"route:/v1/agent.order.get"},
		Status:        model.DelegationActive,
		ExpiresAtMs:   t0 + 3_600_000,
	})

	resp := h.do("/v1/agent.order.get", h.delegated(t, "member-1", "agent-a", "del-1", "status:read"), params.Params{"orderId": "o-1"})
	if resp.HTTPStatus != http.StatusForbidden || resp.Envelope.Code != authz.ReasonDelegationResource {
		t.Fatalf("want 403 DELEGATION_RESOURCE_MISSING, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	evs := h.events("agent_order_get_authz")
	if len(evs) != 1 || evs[0].ResourceType != authz.ResourceOrder || evs[0].ResourceID != "o-1" {
		t.Fatalf("audit: %+v", evs)
	}
	if evs[0].Metadata["delegationId"] != "del-1" || evs[0].Metadata["agentClientId"] != "agent-a" {
		t.Fatalf("metadata: %v", evs[0].Metadata)
	}
}

func TestHandle_OwnerMismatch(t *testing.T) {
	h := newHarness(t)
	r := reservationOf(t, must(t, h.do("/v1/reservations.create", h.session(t, "member-1", false), createParams())))

	resp := h.do("/v1/reservations.cancel", h.session(t, "member-2", false), params.Params{"reservationId": r["id"]})
	if resp.HTTPStatus != http.StatusForbidden || resp.Envelope.Code != authz.ReasonOwnerMismatch {
		t.Fatalf("want 403 OWNER_MISMATCH, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	evs := h.events("reservations_cancel_authz")
	if len(evs) != 1 || evs[0].ReasonCode != authz.ReasonOwnerMismatch || evs[0].ResourceID != r["id"] {
		t.Fatalf("audit: %+v", evs)
	}
	if len(h.events("reservations_cancel")) != 0 {
		t.Fatalf("denied call must not write a mutation event")
	}
}

func TestHandle_LimiterFailureFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.lim.check = func(string) (limiter.Result, error) { return limiter.Result{}, errors.New("limiter down") }

	must(t, h.do("/v1/reservations.create", h.session(t, "member-1", false), createParams()))
	if n := len(h.events(ActionRouteRateLimitFallback)); n != 1 {
		t.Fatalf("want 1 route fallback event, got %d", n)
	}
	if n := len(h.events(ActionAgentRateLimitFallback)); n != 0 {
		t.Fatalf("direct actors have no agent limit, got %d", n)
	}

	must(t, h.do("/v1/reservations.list", h.personal(t, "member-1", "reservations:read"), nil))
	agent := h.events(ActionAgentRateLimitFallback)
	if len(agent) != 1 || agent[0].ReasonCode != ReasonRateLimitCheckError || agent[0].ActorMode != "personal_token" {
		t.Fatalf("agent fallback: %+v", agent)
	}
	if n := len(h.events(ActionRouteRateLimitFallback)); n != 2 {
		t.Fatalf("want 2 route fallback events, got %d", n)
	}
}

func TestHandle_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.lim.check = func(key string) (limiter.Result, error) {
		if strings.HasPrefix(key, "agent:") {
			return limiter.Result{RetryAfter: 1500 * time.Millisecond}, nil
		}
		return limiter.Result{OK: true}, nil
	}

	resp := h.do("/v1/reservations.list", h.personal(t, "member-1", "reservations:read"), nil)
	if resp.HTTPStatus != http.StatusTooManyRequests || resp.Envelope.Code != CodeRateLimited {
		t.Fatalf("want 429, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	if resp.Envelope.Details["retryAfterMs"] != int64(1500) {
		t.Fatalf("details: %v", resp.Envelope.Details)
	}
	evs := h.events(ActionAgentRateLimited)
	if len(evs) != 1 || evs[0].Result != model.ResultDeny || evs[0].ActorUID != "member-1" {
		t.Fatalf("audit: %+v", evs)
	}
	if n := len(h.events(ActionRouteRateLimited)); n != 0 {
		t.Fatalf("agent deny audited as route deny %d times", n)
	}
	if len(h.lim.keys) != 2 || !strings.HasPrefix(h.lim.keys[0], "route:/v1/reservations.list:") ||
		!strings.HasPrefix(h.lim.keys[1], "agent:personal_token:member-1:") {
		t.Fatalf("keys: %v", h.lim.keys)
	}
	if n := len(h.events(authz.RouteAuthzAction)); n != 0 {
		t.Fatalf("limited calls never reach authorization, got %d events", n)
	}
}

func TestHandle_RouteRateLimited(t *testing.T) {
	h := newHarness(t)
	h.lim.check = func(string) (limiter.Result, error) {
		return limiter.Result{RetryAfter: time.Second}, nil
	}

	resp := h.do("/v1/reservations.list", h.session(t, "member-1", false), nil)
	if resp.HTTPStatus != http.StatusTooManyRequests || resp.Envelope.Code != CodeRateLimited {
		t.Fatalf("want 429, got %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}
	if evs := h.events(ActionRouteRateLimited); len(evs) != 1 || evs[0].ReasonCode != ReasonRateLimited {
		t.Fatalf("audit: %+v", evs)
	}
	if n := len(h.events(ActionAgentRateLimited)); n != 0 {
		t.Fatalf("route deny audited as agent deny %d times", n)
	}
}

func TestHandle_IdempotentReplay(t *testing.T) {
	h := newHarness(t)
	member := h.session(t, "member-1", false)
	p := createParams()
	p["idempotencyKey"] = "k-1"

	first := must(t, h.do("/v1/reservations.create", member, p))
	second := must(t, h.do("/apiV1/v1/reservations.create", member, p))
	if second["idempotentReplay"] != true {
		t.Fatalf("replay flag missing: %v", second)
	}
	if _, ok := first["idempotentReplay"]; ok {
		t.Fatalf("first call is not a replay")
	}
	if reservationOf(t, first)["id"] != reservationOf(t, second)["id"] {
		t.Fatalf("replay returned a different reservation")
	}

	list := must(t, h.do("/v1/reservations.list", member, nil))
	if rs, _ := list["reservations"].([]any); len(rs) != 1 {
		t.Fatalf("want one reservation, got %v", list["reservations"])
	}

	// keys are per caller
	other := must(t, h.do("/v1/reservations.create", h.session(t, "member-2", false), p))
	if other["idempotentReplay"] == true {
		t.Fatalf("another caller's key must not replay")
	}
}

func TestHandle_StaffBypassAndMutationAudit(t *testing.T) {
	h := newHarness(t)
	r := reservationOf(t, must(t, h.do("/v1/reservations.create", h.session(t, "member-1", false), createParams())))

	must(t, h.do("/v1/reservations.cancel", h.session(t, "staff-9", true), params.Params{"reservationId": r["id"], "reason": "kiln down"}))
	gate := h.events("reservations_cancel_authz")
	if len(gate) != 1 || gate[0].Metadata["staffBypass"] != true || gate[0].Metadata["routeFamily"] != RouteFamily {
		t.Fatalf("gate audit: %+v", gate)
	}
	mut := h.events("reservations_cancel")
	if len(mut) != 1 || mut[0].Result != model.ResultAllow || mut[0].ActorUID != "staff-9" {
		t.Fatalf("mutation audit: %+v", mut)
	}
}

func TestHandle_ServiceErrors(t *testing.T) {
	h := newHarness(t)
	staff := h.session(t, "staff-1", true)

	resp := h.do("/v1/reservations.get", staff, params.Params{"reservationId": "missing"})
	if resp.HTTPStatus != http.StatusNotFound || resp.Envelope.Code != authz.ReasonResourceNotFound {
		t.Fatalf("unknown reservation: %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}

	resp = h.do("/v1/reservations.create", staff, params.Params{"ownerUid": "member-1", "firingType": "stoneware", "estimatedHalfShelves": float64(1)})
	if resp.HTTPStatus != http.StatusBadRequest || resp.Envelope.Code != CodeInvalidArgument {
		t.Fatalf("bad firing type: %d %s", resp.HTTPStatus, resp.Envelope.Code)
	}

	resp = h.do("/v1/reservations.create", staff, params.Params{"ownerUid": "member-1", "firingType": "glaze", "estimatedHalfShelves": "two"})
	if resp.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("non-numeric shelves: %d", resp.HTTPStatus)
	}
}

func TestHandle_PanicAndUnknownErrorsAreOpaque(t *testing.T) {
	h := newHarness(t)
	staff := h.session(t, "staff-1", true)
	h.d.Table["boom"] = &Route{Operation: "boom", Policy: authz.Policy{Operation: "boom", Resource: authz.Route("/v1/boom")},
		handle: func(context.Context, call) (any, error) { panic("kaboom") }}
	h.d.Table["broken"] = &Route{Operation: "broken", Policy: authz.Policy{Operation: "broken", Resource: authz.Route("/v1/broken")},
		handle: func(context.Context, call) (any, error) { return nil, errors.New("pq: connection reset") }}

	for _, p := range []string{"/v1/boom", "/v1/broken"} {
		resp := h.do(p, staff, nil)
		if resp.HTTPStatus != http.StatusInternalServerError || resp.Envelope.Code != CodeInternal {
			t.Fatalf("%s: want 500, got %d %s", p, resp.HTTPStatus, resp.Envelope.Code)
		}
		if resp.Envelope.Message != "internal error" || resp.Envelope.Details != nil {
			t.Fatalf("%s leaked: %+v", p, resp.Envelope)
		}
		if resp.RequestID == "" {
			t.Fatalf("%s: missing request id", p)
		}
	}
}
