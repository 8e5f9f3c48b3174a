package authz

import (
	"context"
	"fmt"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// OwnerResolver returns the true owner of a resource from storage.
// Unknown entities yield errs.ErrNotFound.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, r Resource, p params.Params, a actor.Actor) (string, error)
}

// RepoOwners resolves owners through the repositories.
type RepoOwners struct {
	Reservations repository.ReservationRepository
	Orders       repository.OrderRepository
	Requests     repository.RequestRepository
	Delegations  repository.DelegationRepository
}

// OwnerOf implements OwnerResolver.
func (o RepoOwners) OwnerOf(ctx context.Context, r Resource, p params.Params, a actor.Actor) (string, error) {
	switch r.Type {
	case ResourceReservation:
		res, err := o.Reservations.Get(ctx, r.ID)
		if err != nil {
			return "", err
		}
		return res.OwnerUID, nil
	case ResourceOrder:
		ord, err := o.Orders.Get(ctx, r.ID)
		if err != nil {
			return "", err
		}
		return ord.OwnerUID, nil
	case ResourceRequest:
		req, err := o.Requests.Get(ctx, r.ID)
		if err != nil {
			return "", err
		}
		return req.OwnerUID, nil
	case ResourceDelegation:
		d, err := o.Delegations.Get(ctx, r.ID)
		if err != nil {
			return "", err
		}
		return d.OwnerUID, nil
	case ResourceOwner:
		return r.ID, nil
	case ResourceRoute:
		// list/summary calls are scoped by the owner they ask about
		uid, err := p.String("ownerUid")
		if err != nil {
			return "", err
		}
		if uid == "" {
			uid = actor.UIDOf(a)
		}
		return uid, nil
	default:
		return "", fmt.Errorf("unknown resource type %q", r.Type)
	}
}
