package authz

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/audit"
	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// Config carries the enforcement toggles.
type Config struct {
	// StrictDelegationChecks enables delegation lookup and evaluation for
	// delegated actors. Disabling it is a deployment escape hatch.
	StrictDelegationChecks bool
}

// Request is one gate invocation.
type Request struct {
	Policy      Policy
	Actor       actor.Actor
	Params      params.Params
	RequestID   string
	RouteFamily string
}

// Decision is the gate outcome. Status is the HTTP status to answer with on deny.
type Decision struct {
	Allowed  bool
	Status   int
	Code     string
	Message  string
	Resource Resource
	Owner    string
}

// Enforcer applies per-operation policy and audits every outcome exactly once.
type Enforcer struct {
	cfg         Config
	owners      OwnerResolver
	delegations repository.DelegationRepository
	audit       *audit.Recorder
	clock       clock.Clock
	log         *zap.Logger
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(cfg Config, owners OwnerResolver, delegations repository.DelegationRepository,
	rec *audit.Recorder, clk clock.Clock, log *zap.Logger) *Enforcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enforcer{cfg: cfg, owners: owners, delegations: delegations, audit: rec, clock: clk, log: log}
}

// Authorize runs the decision procedure for req.
func (e *Enforcer) Authorize(ctx context.Context, req Request) Decision {
	var d Decision
	meta := map[string]any{
		"routeFamily": req.RouteFamily,
		"operation":   req.Policy.Operation,
	}
	if dl, ok := req.Actor.(*actor.Delegated); ok {
		meta["delegationId"] = dl.DelegationID
		meta["delegationAudience"] = dl.Audience
		meta["agentClientId"] = dl.AgentClientID
	}

	if req.Policy.StaffOnly {
		d = e.staffOnly(req)
	} else {
		d = e.gated(ctx, req, meta)
	}

	result := model.ResultDeny
	if d.Allowed {
		result = model.ResultAllow
	}
	e.audit.Record(ctx, model.AuditEvent{
		Action:       req.Policy.AuditAction(),
		ResourceType: d.Resource.Type,
		ResourceID:   d.Resource.ID,
		ReasonCode:   d.Code,
		ActorMode:    string(actor.ModeOf(req.Actor)),
		ActorUID:     actor.UIDOf(req.Actor),
		Result:       result,
		RequestID:    req.RequestID,
		Metadata:     meta,
	})
	return d
}

func (e *Enforcer) staffOnly(req Request) Decision {
	res, resErr := req.Policy.Resource(req.Params, req.Actor)
	switch {
	case req.Actor == nil:
		return deny(res, http.StatusUnauthorized, ReasonUnauthenticated, "credential required")
	case !actor.IsStaff(req.Actor):
		return deny(res, http.StatusForbidden, ReasonForbidden, "staff only")
	case resErr != nil:
		return deny(res, http.StatusBadRequest, ReasonInvalidArgument, errMessage(resErr))
	}
	return Decision{Allowed: true, Status: http.StatusOK, Code: ReasonOK, Resource: res}
}

func (e *Enforcer) gated(ctx context.Context, req Request, meta map[string]any) Decision {
	res, err := req.Policy.Resource(req.Params, req.Actor)
	if req.Actor == nil {
		return deny(res, http.StatusUnauthorized, ReasonUnauthenticated, "credential required")
	}
	if err != nil {
		return deny(res, http.StatusBadRequest, ReasonInvalidArgument, errMessage(err))
	}

	owner, err := e.owners.OwnerOf(ctx, res, req.Params, req.Actor)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return deny(res, http.StatusNotFound, ReasonResourceNotFound, "resource not found")
		}
		if errors.Is(err, errs.ErrInvalidArgument) {
			return deny(res, http.StatusBadRequest, ReasonInvalidArgument, errMessage(err))
		}
		e.log.Error("owner lookup failed", zap.String("resource", res.Pattern()), zap.Error(err))
		return deny(res, http.StatusInternalServerError, ReasonInternal, "internal error")
	}

	if actor.IsStaff(req.Actor) {
		meta["staffBypass"] = true
		return allow(res, owner)
	}
	if req.Actor.UID() != owner {
		return deny(res, http.StatusForbidden, ReasonOwnerMismatch, "caller does not own this resource")
	}

	switch a := req.Actor.(type) {
	case *actor.PersonalToken:
		if req.Policy.Scope != "" && !actor.HasScope(a.Scopes, req.Policy.Scope) {
			return deny(res, http.StatusForbidden, ReasonMissingScope, "token lacks scope "+req.Policy.Scope)
		}
		return allow(res, owner)
	case *actor.Delegated:
		return e.delegated(ctx, req.Policy, a, res, owner, meta)
	case *actor.Direct:
		return allow(res, owner)
	default:
		return deny(res, http.StatusUnauthorized, ReasonUnauthenticated, "unsupported credential")
	}
}

func (e *Enforcer) delegated(ctx context.Context, pol Policy, a *actor.Delegated, res Resource, owner string, meta map[string]any) Decision {
	if !e.cfg.StrictDelegationChecks {
		meta["delegationChecks"] = "disabled"
		return allow(res, owner)
	}
	del, err := e.delegations.Get(ctx, a.DelegationID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return deny(res, http.StatusForbidden, ReasonDelegationNotFound, "delegation not found")
		}
		e.log.Error("delegation lookup failed", zap.String("delegationId", a.DelegationID), zap.Error(err))
		return deny(res, http.StatusInternalServerError, ReasonInternal, "internal error")
	}
	if del.Status != model.DelegationActive {
		return deny(res, http.StatusForbidden, ReasonDelegationInactive, "delegation inactive")
	}
	v := Evaluate(*del, owner, a.AgentClientID, pol.Scope, res.Pattern(), e.clock.NowMs())
	if !v.Allowed {
		return deny(res, http.StatusForbidden, v.Code, "delegation does not permit this call")
	}
	return allow(res, owner)
}

func allow(res Resource, owner string) Decision {
	return Decision{Allowed: true, Status: http.StatusOK, Code: ReasonOK, Resource: res, Owner: owner}
}

func deny(res Resource, status int, code, msg string) Decision {
	return Decision{Status: status, Code: code, Message: msg, Resource: res}
}

func errMessage(err error) string {
	var re *errs.ReasonError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return err.Error()
}
