package authz

import (
	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/params"
)

// Resource types.
const (
	ResourceReservation = "reservation"
	ResourceOrder       = "order"
	ResourceRequest     = "request"
	ResourceDelegation  = "delegation"
	ResourceOwner       = "owner"
	ResourceRoute       = "route"
)

// RouteAuthzAction is the audit action for operations without a bespoke name.
const RouteAuthzAction = "api_v1_route_authz"

// Resource identifies an addressable entity or class of entities.
type Resource struct {
	Type string
	ID   string
}

// Pattern renders the resource as matched against delegation grants.
func (r Resource) Pattern() string { return r.Type + ":" + r.ID }

// ResourceFunc maps request parameters to the resource an operation touches.
type ResourceFunc func(p params.Params, a actor.Actor) (Resource, error)

// Policy is the per-operation enforcement declaration.
type Policy struct {
	Operation string
	// Action names the audit action; empty uses RouteAuthzAction.
	Action string
	// Scope is required of token actors. Unused for staff-only operations.
	Scope     string
	StaffOnly bool
	Resource  ResourceFunc
}

// AuditAction returns the action name written for gate decisions.
func (p Policy) AuditAction() string {
	switch {
	case p.StaffOnly:
		return p.baseAction() + "_admin_auth"
	case p.Action == "":
		return RouteAuthzAction
	default:
		return p.Action + "_authz"
	}
}

func (p Policy) baseAction() string {
	if p.Action != "" {
		return p.Action
	}
	return "api_v1_route"
}

// EntityParam addresses resource type typ by the id in parameter key.
func EntityParam(typ, key string) ResourceFunc {
	return func(p params.Params, _ actor.Actor) (Resource, error) {
		id, err := p.RequiredString(key)
		if err != nil {
			return Resource{Type: typ}, err
		}
		return Resource{Type: typ, ID: id}, nil
	}
}

// OwnerScoped addresses owner:<ownerUid>, defaulting to the caller's uid.
func OwnerScoped() ResourceFunc {
	return func(p params.Params, a actor.Actor) (Resource, error) {
		uid, err := p.String("ownerUid")
		if err != nil {
			return Resource{Type: ResourceOwner}, err
		}
		if uid == "" {
			uid = actor.UIDOf(a)
		}
		return Resource{Type: ResourceOwner, ID: uid}, nil
	}
}

// Route addresses the route itself, for calls with no single entity.
func Route(path string) ResourceFunc {
	return func(params.Params, actor.Actor) (Resource, error) {
		return Resource{Type: ResourceRoute, ID: path}, nil
	}
}
