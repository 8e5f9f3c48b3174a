package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/authz"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/service"
)

// Path families. Both resolve to the same operation table.
const (
	CanonicalPrefix = "/v1/"
	LegacyPrefix    = "/apiV1/v1/"

	// RouteFamily is written to audit metadata for either prefix.
	RouteFamily = "v1"
)

// call is the authorized input to a handler.
type call struct {
	Actor  actor.Actor
	Caller service.Caller
	Params params.Params
	// Owner is the resolved owner of the addressed resource.
	Owner string
}

type handlerFunc func(ctx context.Context, c call) (any, error)

// Route binds one operation to its policy and handler.
type Route struct {
	Operation string
	Policy    authz.Policy
	// Idempotent routes honor a caller-supplied idempotencyKey.
	Idempotent bool
	// Mutates routes write a mutation audit event after success.
	Mutates bool
	handle  handlerFunc
}

var readOnly = map[string]bool{
	"reservations.get":              true,
	"reservations.list":             true,
	"reservations.lookupArrival":    true,
	"reservations.exportContinuity": true,
	"agent.order.get":               true,
	"agent.request.get":             true,
}

// Canonical returns the canonical path of the route.
func (r *Route) Canonical() string { return CanonicalPrefix + r.Operation }

// Table maps operation name to route.
type Table map[string]*Route

// Normalize adds a missing leading slash and strips one trailing slash.
// Doubled inner slashes are left alone so they fail to match.
func Normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// Match resolves path to a route. The normalized path is returned for auditing.
func (t Table) Match(path string) (*Route, string, bool) {
	p := Normalize(path)
	var op string
	switch {
	case strings.HasPrefix(p, LegacyPrefix):
		op = p[len(LegacyPrefix):]
	case strings.HasPrefix(p, CanonicalPrefix):
		op = p[len(CanonicalPrefix):]
	default:
		return nil, p, false
	}
	r, ok := t[op]
	return r, p, ok
}

// Operations lists the operation names, sorted.
func (t Table) Operations() []string {
	ops := make([]string, 0, len(t))
	for op := range t {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Describe renders one line per route for review and golden tests.
func (t Table) Describe() string {
	var b strings.Builder
	for _, op := range t.Operations() {
		r := t[op]
		gate := "owner"
		if r.Policy.StaffOnly {
			gate = "staff"
		}
		scope := r.Policy.Scope
		if scope == "" {
			scope = "-"
		}
		fmt.Fprintf(&b, "%s %s %s %s %s\n", r.Canonical(), LegacyPrefix+op, gate, scope, r.Policy.AuditAction())
	}
	return b.String()
}

func reservationID() authz.ResourceFunc {
	return authz.EntityParam(authz.ResourceReservation, "reservationId")
}

// NewTable builds the operation table over the given services.
func NewTable(res service.ReservationService, agent service.AgentService) Table {
	h := handlers{res: res, agent: agent}
	routes := []*Route{
		{Operation: "reservations.create", Idempotent: true, handle: h.create, Policy: authz.Policy{
			Action: "reservations_create", Scope: "reservations:write", Resource: authz.OwnerScoped()}},
		{Operation: "reservations.get", handle: h.get, Policy: authz.Policy{
			Scope: "reservations:read", Resource: reservationID()}},
		{Operation: "reservations.list", handle: h.list, Policy: authz.Policy{
			Scope: "reservations:read", Resource: authz.Route(CanonicalPrefix + "reservations.list")}},
		{Operation: "reservations.cancel", handle: h.cancel, Policy: authz.Policy{
			Action: "reservations_cancel", Scope: "reservations:write", Resource: reservationID()}},
		{Operation: "reservations.update", handle: h.update, Policy: authz.Policy{
			Action: "reservations_update", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.assignStation", handle: h.assignStation, Policy: authz.Policy{
			Action: "reservations_assign_station", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.pickupWindow.open", handle: h.openWindow, Policy: authz.Policy{
			Action: "pickup_window_open", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.pickupWindow.confirm", handle: h.confirmWindow, Policy: authz.Policy{
			Action: "pickup_window_confirm", Scope: "reservations:write", Resource: reservationID()}},
		{Operation: "reservations.pickupWindow.reschedule", handle: h.rescheduleWindow, Policy: authz.Policy{
			Action: "member_request_reschedule", Scope: "reservations:write", Resource: reservationID()}},
		{Operation: "reservations.pickupWindow.markMissed", handle: h.markMissed, Policy: authz.Policy{
			Action: "staff_mark_missed", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.queueFairness", handle: h.queueFairness, Policy: authz.Policy{
			Action: "queue_fairness", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.checkIn", handle: h.checkIn, Policy: authz.Policy{
			Action: "reservations_check_in", Scope: "reservations:write", Resource: reservationID()}},
		{Operation: "reservations.lookupArrival", handle: h.lookupArrival, Policy: authz.Policy{
			Action: "arrival_lookup", StaffOnly: true, Resource: authz.Route(CanonicalPrefix + "reservations.lookupArrival")}},
		{Operation: "reservations.rotateArrivalToken", handle: h.rotateArrivalToken, Policy: authz.Policy{
			Action: "arrival_token_rotate", StaffOnly: true, Resource: reservationID()}},
		{Operation: "reservations.exportContinuity", handle: h.exportContinuity, Policy: authz.Policy{
			Action: "continuity_export", Scope: "reservations:read", Resource: authz.OwnerScoped()}},
		{Operation: "agent.order.get", handle: h.orderGet, Policy: authz.Policy{
			Action: "agent_order_get", Scope: "status:read", Resource: authz.EntityParam(authz.ResourceOrder, "orderId")}},
		{Operation: "agent.request.get", handle: h.requestGet, Policy: authz.Policy{
			Action: "agent_request_get", Scope: "status:read", Resource: authz.EntityParam(authz.ResourceRequest, "requestId")}},
		{Operation: "delegations.revoke", handle: h.revokeDelegation, Policy: authz.Policy{
			Action: "delegation_revoke", Scope: "delegations:write", Resource: authz.EntityParam(authz.ResourceDelegation, "delegationId")}},
	}
	t := make(Table, len(routes))
	for _, r := range routes {
		r.Policy.Operation = r.Operation
		r.Mutates = !readOnly[r.Operation]
		t[r.Operation] = r
	}
	return t
}

type handlers struct {
	res   service.ReservationService
	agent service.AgentService
}

func (h handlers) create(ctx context.Context, c call) (any, error) {
	p := c.Params
	in := service.CreateInput{OwnerUID: c.Owner}
	var err error
	if in.FiringType, err = p.RequiredString("firingType"); err != nil {
		return nil, err
	}
	if in.EstimatedHalfShelves, _, err = p.Int("estimatedHalfShelves"); err != nil {
		return nil, err
	}
	if in.IntakeMode, err = p.String("intakeMode"); err != nil {
		return nil, err
	}
	if in.Notes, err = p.String("notes"); err != nil {
		return nil, err
	}
	drop, err := p.Object("dropOffProfile")
	if err != nil {
		return nil, err
	}
	if in.DropOff.BisqueOnly, err = drop.Bool("bisqueOnly"); err != nil {
		return nil, err
	}
	addOns, err := p.Object("addOns")
	if err != nil {
		return nil, err
	}
	if in.AddOns.Delivery, err = addOns.Bool("delivery"); err != nil {
		return nil, err
	}
	if in.AddOns.DeliveryAddress, err = addOns.String("deliveryAddress"); err != nil {
		return nil, err
	}
	if in.AddOns.DeliveryInstructions, err = addOns.String("deliveryInstructions"); err != nil {
		return nil, err
	}
	r, err := h.res.Create(ctx, c.Caller, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) get(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	r, err := h.res.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) list(ctx context.Context, c call) (any, error) {
	limit, _, err := c.Params.Int("limit")
	if err != nil {
		return nil, err
	}
	rs, err := h.res.List(ctx, c.Owner, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ownerUid": c.Owner, "reservations": rs}, nil
}

func (h handlers) cancel(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	reason, err := c.Params.String("reason")
	if err != nil {
		return nil, err
	}
	r, err := h.res.Cancel(ctx, c.Caller, id, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) update(ctx context.Context, c call) (any, error) {
	var (
		in  service.UpdateInput
		err error
	)
	if in.ID, err = c.Params.RequiredString("reservationId"); err != nil {
		return nil, err
	}
	if in.Status, err = c.Params.String("status"); err != nil {
		return nil, err
	}
	if in.LoadStatus, err = c.Params.String("loadStatus"); err != nil {
		return nil, err
	}
	if in.Reason, err = c.Params.String("reason"); err != nil {
		return nil, err
	}
	r, err := h.res.UpdateStatus(ctx, c.Caller, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) assignStation(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	station, err := c.Params.RequiredString("stationId")
	if err != nil {
		return nil, err
	}
	return h.res.AssignStation(ctx, c.Caller, id, station)
}

func windowParams(p params.Params) (start, end int64, err error) {
	if start, _, err = p.Int64("startMs"); err != nil {
		return 0, 0, err
	}
	if end, _, err = p.Int64("endMs"); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (h handlers) openWindow(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	start, end, err := windowParams(c.Params)
	if err != nil {
		return nil, err
	}
	r, err := h.res.OpenPickupWindow(ctx, c.Caller, id, start, end)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) confirmWindow(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	r, err := h.res.ConfirmPickupWindow(ctx, c.Caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) rescheduleWindow(ctx context.Context, c call) (any, error) {
	var (
		in  service.RescheduleInput
		err error
	)
	if in.ID, err = c.Params.RequiredString("reservationId"); err != nil {
		return nil, err
	}
	if in.StartMs, in.EndMs, err = windowParams(c.Params); err != nil {
		return nil, err
	}
	if in.Force, err = c.Params.Bool("force"); err != nil {
		return nil, err
	}
	r, err := h.res.ReschedulePickupWindow(ctx, c.Caller, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) markMissed(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	r, err := h.res.MarkPickupMissed(ctx, c.Caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) queueFairness(ctx context.Context, c call) (any, error) {
	var (
		in  service.FairnessInput
		err error
	)
	if in.ID, err = c.Params.RequiredString("reservationId"); err != nil {
		return nil, err
	}
	if in.Action, err = c.Params.RequiredString("action"); err != nil {
		return nil, err
	}
	if in.Reason, err = c.Params.String("reason"); err != nil {
		return nil, err
	}
	if in.BoostPoints, _, err = c.Params.Int("boostPoints"); err != nil {
		return nil, err
	}
	return h.res.AdjustQueueFairness(ctx, c.Caller, in)
}

func (h handlers) checkIn(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	r, err := h.res.CheckIn(ctx, c.Caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) lookupArrival(ctx context.Context, c call) (any, error) {
	token, err := c.Params.RequiredString("arrivalToken")
	if err != nil {
		return nil, err
	}
	r, err := h.res.LookupArrival(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) rotateArrivalToken(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("reservationId")
	if err != nil {
		return nil, err
	}
	r, err := h.res.RotateArrivalToken(ctx, c.Caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reservation": r}, nil
}

func (h handlers) exportContinuity(ctx context.Context, c call) (any, error) {
	if c.Owner == "" {
		return nil, errs.Invalid("ownerUid is required")
	}
	return h.res.ExportContinuity(ctx, c.Owner)
}

func (h handlers) orderGet(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("orderId")
	if err != nil {
		return nil, err
	}
	o, err := h.agent.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"order": o}, nil
}

func (h handlers) requestGet(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("requestId")
	if err != nil {
		return nil, err
	}
	r, err := h.agent.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"request": r}, nil
}

func (h handlers) revokeDelegation(ctx context.Context, c call) (any, error) {
	id, err := c.Params.RequiredString("delegationId")
	if err != nil {
		return nil, err
	}
	d, err := h.agent.RevokeDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"delegation": d}, nil
}
