// Package authz decides whether an actor may perform an operation on a resource.
package authz

import "github.com/and161185/kilnkeeper/internal/model"

// Reason codes. These are part of the API contract and are asserted verbatim.
const (
	ReasonOK                   = "OK"
	ReasonUnauthenticated      = "UNAUTHENTICATED"
	ReasonForbidden            = "FORBIDDEN"
	ReasonOwnerMismatch        = "OWNER_MISMATCH"
	ReasonMissingScope         = "MISSING_SCOPE"
	ReasonResourceNotFound     = "RESOURCE_NOT_FOUND"
	ReasonInvalidArgument      = "INVALID_ARGUMENT"
	ReasonDelegationNotFound   = "DELEGATION_NOT_FOUND"
	ReasonDelegationInactive   = "DELEGATION_INACTIVE"
	ReasonDelegationExpired    = "DELEGATION_EXPIRED"
	ReasonDelegationRevoked    = "DELEGATION_REVOKED"
	ReasonDelegationOwner      = "DELEGATION_OWNER_MISMATCH"
	ReasonDelegationAgent      = "DELEGATION_AGENT_MISMATCH"
	ReasonDelegationScope      = "DELEGATION_SCOPE_MISSING"
	ReasonDelegationResource   = "DELEGATION_RESOURCE_MISSING"
	ReasonInternal             = "INTERNAL"
	ResourceWildcard           = "*"
)

// Verdict is the evaluator outcome. Code is empty when allowed.
type Verdict struct {
	Allowed bool
	Code    string
}

// Allow is the allowing verdict.
var Allow = Verdict{Allowed: true}

// Deny returns a denying verdict with code.
func Deny(code string) Verdict { return Verdict{Code: code} }

type delegationCheck struct {
	code string
	deny func(d *model.Delegation, q *delegationQuery) bool
}

type delegationQuery struct {
	ownerUID, agentClientID, scope, resource string
	nowMs                                    int64
}

// Order is significant: the first failing check wins.
var delegationChecks = []delegationCheck{
	{ReasonDelegationExpired, func(d *model.Delegation, q *delegationQuery) bool { return q.nowMs >= d.ExpiresAtMs }},
	// any nonzero value counts, including timestamps in the future
	{ReasonDelegationRevoked, func(d *model.Delegation, _ *delegationQuery) bool { return d.RevokedAtMs != 0 }},
	{ReasonDelegationOwner, func(d *model.Delegation, q *delegationQuery) bool { return d.OwnerUID != q.ownerUID }},
	{ReasonDelegationAgent, func(d *model.Delegation, q *delegationQuery) bool { return d.AgentClientID != q.agentClientID }},
	{ReasonDelegationScope, func(d *model.Delegation, q *delegationQuery) bool { return !contains(d.Scopes, q.scope) }},
	{ReasonDelegationResource, func(d *model.Delegation, q *delegationQuery) bool {
		return !contains(d.Resources, q.resource) && !contains(d.Resources, ResourceWildcard)
	}},
}

// Evaluate checks a materialized delegation against the expected owner/agent pair,
// the required scope and resource pattern at nowMs. It has no side effects.
// Lookup failures (missing or inactive record) are the caller's concern.
func Evaluate(d model.Delegation, ownerUID, agentClientID, scope, resource string, nowMs int64) Verdict {
	q := delegationQuery{ownerUID: ownerUID, agentClientID: agentClientID, scope: scope, resource: resource, nowMs: nowMs}
	for _, c := range delegationChecks {
		if c.deny(&d, &q) {
			return Deny(c.code)
		}
	}
	return Allow
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
