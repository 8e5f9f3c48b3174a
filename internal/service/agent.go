package service

import (
	"context"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/and161185/kilnkeeper/internal/repository"
)

// AgentService serves the agent-addressable reads and delegation revocation.
type AgentService interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error)
	RevokeDelegation(ctx context.Context, id string) (*model.Delegation, error)
}

// AgentServiceImpl implements AgentService over repositories.
type AgentServiceImpl struct {
	orders      repository.OrderRepository
	requests    repository.RequestRepository
	delegations repository.DelegationRepository
	clock       clock.Clock
}

// NewAgentService constructs AgentService.
func NewAgentService(orders repository.OrderRepository, requests repository.RequestRepository,
	delegations repository.DelegationRepository, clk clock.Clock) *AgentServiceImpl {
	return &AgentServiceImpl{orders: orders, requests: requests, delegations: delegations, clock: clk}
}

// GetOrder returns one order.
func (s *AgentServiceImpl) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	if id == "" {
		return nil, errs.Invalid("orderId is required")
	}
	return s.orders.Get(ctx, id)
}

// GetRequest returns one service request.
func (s *AgentServiceImpl) GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	if id == "" {
		return nil, errs.Invalid("requestId is required")
	}
	return s.requests.Get(ctx, id)
}

// RevokeDelegation stamps revokedAtMs and deactivates the delegation. A second
// revoke keeps the original timestamp.
func (s *AgentServiceImpl) RevokeDelegation(ctx context.Context, id string) (*model.Delegation, error) {
	if id == "" {
		return nil, errs.Invalid("delegationId is required")
	}
	return s.delegations.Revoke(ctx, id, s.clock.NowMs())
}
