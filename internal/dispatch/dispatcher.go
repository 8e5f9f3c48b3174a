// Package dispatch maps normalized paths to operations and wraps every call
// in rate limiting, authorization, idempotency and the uniform envelope.
package dispatch

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/audit"
	"github.com/and161185/kilnkeeper/internal/authz"
	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/limiter"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// Audit actions written by the dispatcher itself.
const (
	ActionRouteReject            = "api_v1_route_reject"
	ActionRouteRateLimited       = "api_v1_route_rate_limited"
	ActionRouteRateLimitFallback = "api_v1_route_rate_limit_fallback"
	ActionAgentRateLimited       = "api_v1_agent_rate_limited"
	ActionAgentRateLimitFallback = "api_v1_agent_rate_limit_fallback"
)

// limitActions names the audit actions of one limiter level.
type limitActions struct {
	deny, fallback string
}

var (
	routeLimitActions = limitActions{deny: ActionRouteRateLimited, fallback: ActionRouteRateLimitFallback}
	agentLimitActions = limitActions{deny: ActionAgentRateLimited, fallback: ActionAgentRateLimitFallback}
)

// Dispatcher reason codes.
const (
	ReasonRouteNotFound       = "ROUTE_NOT_FOUND"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonRateLimitCheckError = "RATE_LIMIT_CHECK_ERROR"
	ReasonIdempotencyPending  = "IDEMPOTENCY_IN_PROGRESS"
)

// CredentialResolver turns an authorization value into an Actor.
type CredentialResolver interface {
	Resolve(authorization string) (actor.Actor, error)
}

// Limit is a max-calls-per-window pair.
type Limit struct {
	Max    int
	Window time.Duration
}

// Request is one inbound call as seen by the dispatcher.
type Request struct {
	Path          string
	Authorization string
	RemoteAddr    string
	Params        params.Params
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Table       Table
	Resolver    CredentialResolver
	Enforcer    *authz.Enforcer
	Idempotency repository.IdempotencyRepository
	Limiter     limiter.Limiter
	Audit       *audit.Recorder
	Clock       clock.Clock
	IDs         clock.IDs
	RouteLimit  Limit
	AgentLimit  Limit
	Log         *zap.Logger
}

// Dispatcher is the single entry point for every operation.
type Dispatcher struct {
	Deps
}

// New constructs a Dispatcher.
func New(d Deps) *Dispatcher {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Dispatcher{Deps: d}
}

// Handle runs req end to end. It never panics and always returns an envelope.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (resp Response) {
	reqID := "req_" + d.IDs.NewID()
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("handler panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.String("path", req.Path),
				zap.String("requestId", reqID),
			)
			resp = statusResponse(reqID, http.StatusInternalServerError, "internal error", nil)
		}
	}()
	if req.Params == nil {
		req.Params = params.Params{}
	}

	route, path, ok := d.Table.Match(req.Path)
	if !ok {
		d.Audit.Record(ctx, model.AuditEvent{
			Action:       ActionRouteReject,
			ResourceType: authz.ResourceRoute,
			ResourceID:   path,
			ReasonCode:   ReasonRouteNotFound,
			ActorMode:    string(actor.ModeAnonymous),
			Result:       model.ResultDeny,
			RequestID:    reqID,
			Metadata:     map[string]any{"routeFamily": RouteFamily},
		})
		return statusResponse(reqID, http.StatusNotFound, "unknown route", nil)
	}

	routeKey := "route:" + route.Canonical() + ":" + limiter.ClientKey(req.RemoteAddr)
	if r, ok := d.checkLimit(ctx, reqID, route, nil, routeKey, d.RouteLimit, routeLimitActions); !ok {
		return r
	}

	a, err := d.Resolver.Resolve(req.Authorization)
	if err != nil {
		d.Audit.Record(ctx, model.AuditEvent{
			Action:       route.Policy.AuditAction(),
			ResourceType: authz.ResourceRoute,
			ResourceID:   route.Canonical(),
			ReasonCode:   authz.ReasonUnauthenticated,
			ActorMode:    string(actor.ModeAnonymous),
			Result:       model.ResultDeny,
			RequestID:    reqID,
			Metadata:     map[string]any{"routeFamily": RouteFamily, "operation": route.Operation},
		})
		return errResponse(reqID, http.StatusUnauthorized, authz.ReasonUnauthenticated, "invalid credential", nil)
	}

	if key, ok := agentKey(a); ok {
		if r, ok := d.checkLimit(ctx, reqID, route, a, key, d.AgentLimit, agentLimitActions); !ok {
			return r
		}
	}

	dec := d.Enforcer.Authorize(ctx, authz.Request{
		Policy:      route.Policy,
		Actor:       a,
		Params:      req.Params,
		RequestID:   reqID,
		RouteFamily: RouteFamily,
	})
	if !dec.Allowed {
		return errResponse(reqID, dec.Status, dec.Code, dec.Message, nil)
	}

	c := call{
		Actor:  a,
		Params: req.Params,
		Owner:  dec.Owner,
	}
	c.Caller.UID = actor.UIDOf(a)
	c.Caller.Staff = actor.IsStaff(a)

	idemKey, err := d.idempotencyKey(route, c)
	if err != nil {
		r, _ := errorResponse(reqID, err)
		return r
	}
	if idemKey != "" {
		rec, claimed, err := d.Idempotency.Claim(ctx, idemKey, d.Clock.NowMs())
		if err != nil {
			return d.fail(reqID, route, err)
		}
		if !claimed {
			return replay(reqID, rec)
		}
		completed := false
		// a failed or panicking call gives the key back to later retries
		defer func() {
			if !completed {
				d.release(ctx, reqID, route, idemKey)
			}
		}()
		resp := d.execute(ctx, reqID, route, dec, c)
		if !resp.Envelope.OK {
			return resp
		}
		completed = true
		if err := d.Idempotency.Complete(ctx, idemKey, resp.Envelope.Data); err != nil {
			// the key stays pending: retries get 409 rather than a second execution
			d.Log.Error("idempotency complete failed", zap.String("operation", route.Operation), zap.String("requestId", reqID), zap.Error(err))
		}
		return resp
	}
	return d.execute(ctx, reqID, route, dec, c)
}

// replay answers a call whose idempotency key is already taken.
func replay(reqID string, rec *model.IdempotencyRecord) Response {
	if rec.Pending {
		return statusResponse(reqID, http.StatusConflict, "a call with this idempotency key is still running",
			map[string]any{"reason": ReasonIdempotencyPending})
	}
	data := make(map[string]any, len(rec.Data)+1)
	for k, v := range rec.Data {
		data[k] = v
	}
	data["idempotentReplay"] = true
	return okResponse(reqID, data)
}

func (d *Dispatcher) release(ctx context.Context, reqID string, route *Route, key string) {
	if err := d.Idempotency.Release(ctx, key); err != nil {
		d.Log.Warn("idempotency release failed", zap.String("operation", route.Operation), zap.String("requestId", reqID), zap.Error(err))
	}
}

// execute runs the handler and writes the mutation audit event on success.
func (d *Dispatcher) execute(ctx context.Context, reqID string, route *Route, dec authz.Decision, c call) Response {
	out, err := route.handle(ctx, c)
	if err != nil {
		return d.fail(reqID, route, err)
	}
	data, err := toData(out)
	if err != nil {
		return d.fail(reqID, route, err)
	}

	if route.Mutates {
		d.Audit.Record(ctx, model.AuditEvent{
			Action:       mutationAction(route),
			ResourceType: dec.Resource.Type,
			ResourceID:   dec.Resource.ID,
			ReasonCode:   authz.ReasonOK,
			ActorMode:    string(actor.ModeOf(c.Actor)),
			ActorUID:     c.Caller.UID,
			Result:       model.ResultAllow,
			RequestID:    reqID,
			Metadata:     map[string]any{"routeFamily": RouteFamily, "operation": route.Operation},
		})
	}
	return okResponse(reqID, data)
}

func (d *Dispatcher) fail(reqID string, route *Route, err error) Response {
	r, known := errorResponse(reqID, err)
	if !known {
		d.Log.Error("handler failed", zap.String("operation", route.Operation), zap.String("requestId", reqID), zap.Error(err))
	}
	return r
}

// checkLimit fails open: a limiter error is audited and the call proceeds.
func (d *Dispatcher) checkLimit(ctx context.Context, reqID string, route *Route, a actor.Actor, key string, lim Limit, acts limitActions) (Response, bool) {
	res, err := d.Limiter.Check(ctx, key, lim.Max, lim.Window)
	ev := model.AuditEvent{
		ResourceType: authz.ResourceRoute,
		ResourceID:   route.Canonical(),
		ActorMode:    string(actor.ModeOf(a)),
		ActorUID:     actor.UIDOf(a),
		RequestID:    reqID,
		Metadata:     map[string]any{"routeFamily": RouteFamily, "operation": route.Operation},
	}
	if err != nil {
		d.Log.Warn("rate limiter check failed",
			zap.String("action", acts.fallback),
			zap.String("operation", route.Operation),
			zap.String("requestId", reqID),
			zap.Error(err),
		)
		ev.Action = acts.fallback
		ev.ReasonCode = ReasonRateLimitCheckError
		ev.Result = model.ResultAllow
		d.Audit.Record(ctx, ev)
		return Response{}, true
	}
	if res.OK {
		return Response{}, true
	}
	retryMs := res.RetryAfter.Milliseconds()
	ev.Action = acts.deny
	ev.ReasonCode = ReasonRateLimited
	ev.Result = model.ResultDeny
	ev.Metadata["retryAfterMs"] = retryMs
	d.Audit.Record(ctx, ev)
	return statusResponse(reqID, http.StatusTooManyRequests, "rate limit exceeded",
		map[string]any{"retryAfterMs": retryMs}), false
}

func (d *Dispatcher) idempotencyKey(route *Route, c call) (string, error) {
	if !route.Idempotent {
		return "", nil
	}
	key, err := c.Params.String("idempotencyKey")
	if err != nil || key == "" {
		return "", err
	}
	return c.Caller.UID + "|" + route.Operation + "|" + key, nil
}

// agentKey returns the actor-level limiter key for token actors.
func agentKey(a actor.Actor) (string, bool) {
	switch t := a.(type) {
	case *actor.PersonalToken:
		return "agent:" + string(t.Mode()) + ":" + t.Subject + ":" + t.TokenID, true
	case *actor.Delegated:
		return "agent:" + string(t.Mode()) + ":" + t.Subject + ":" + t.AgentClientID, true
	default:
		return "", false
	}
}

func mutationAction(r *Route) string {
	if r.Policy.Action != "" {
		return r.Policy.Action
	}
	return "api_v1_route"
}
