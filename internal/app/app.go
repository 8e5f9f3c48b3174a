// Package app wires configuration and storage backends into a Dispatcher.
package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/audit"
	"github.com/and161185/kilnkeeper/internal/authz"
	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/config"
	"github.com/and161185/kilnkeeper/internal/dispatch"
	"github.com/and161185/kilnkeeper/internal/limiter"
	"github.com/and161185/kilnkeeper/internal/repository"
	"github.com/and161185/kilnkeeper/internal/repository/memory"
	"github.com/and161185/kilnkeeper/internal/repository/postgres"
	"github.com/and161185/kilnkeeper/internal/service"
)

// Backends is one complete set of storage implementations.
type Backends struct {
	Tx           repository.TxRunner
	Reservations repository.ReservationRepository
	Delegations  repository.DelegationRepository
	Orders       repository.OrderRepository
	Requests     repository.RequestRepository
	Audit        repository.AuditRepository
	Evidence     repository.EvidenceRepository
	Idempotency  repository.IdempotencyRepository
	Limiter      limiter.Limiter
}

// Memory returns in-process backends over st.
func Memory(st *memory.Store) Backends {
	return Backends{
		Tx:           st,
		Reservations: memory.NewReservationRepo(st),
		Delegations:  memory.NewDelegationRepo(st),
		Orders:       memory.NewOrderRepo(st),
		Requests:     memory.NewRequestRepo(st),
		Audit:        memory.NewAuditRepo(st),
		Evidence:     memory.NewEvidenceRepo(st),
		Idempotency:  memory.NewIdempotencyRepo(st),
		Limiter:      limiter.NewMemory(time.Now),
	}
}

// Postgres returns backends over db. limiterKind selects the limiter backend.
func Postgres(db *postgres.DB, limiterKind string) Backends {
	b := Backends{
		Tx:           postgres.NewTxRunner(db),
		Reservations: postgres.NewReservationRepo(db),
		Delegations:  postgres.NewDelegationRepo(db),
		Orders:       postgres.NewOrderRepo(db),
		Requests:     postgres.NewRequestRepo(db),
		Audit:        postgres.NewAuditRepo(db),
		Evidence:     postgres.NewEvidenceRepo(db),
		Idempotency:  postgres.NewIdempotencyRepo(db),
		Limiter:      limiter.NewPGWithQuerier(db.Pool, nil),
	}
	if limiterKind == "memory" {
		b.Limiter = limiter.NewMemory(time.Now)
	}
	return b
}

// NewDispatcher builds the full call path from cfg over b.
func NewDispatcher(cfg config.Config, b Backends, clk clock.Clock, ids clock.IDs, log *zap.Logger) (*dispatch.Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lookupKey, exportKey, err := service.KeysFromSecret([]byte(secret(cfg)))
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}

	reservations := service.NewReservationService(b.Tx, b.Reservations, b.Evidence, clk, ids, service.Options{
		Stations:              cfg.StationCapacities(),
		MissedWindowThreshold: cfg.MissedWindowThreshold,
		ArrivalTokenTTL:       cfg.ArrivalTokenTTL,
		NoShowPoints:          cfg.NoShowPoints,
		LateArrivalPoints:     cfg.LateArrivalPoints,
		LookupKey:             lookupKey,
		ExportKey:             exportKey,
	})
	agent := service.NewAgentService(b.Orders, b.Requests, b.Delegations, clk)

	rec := audit.NewRecorder(b.Audit, clk, ids, log.Named("audit"))
	owners := authz.RepoOwners{
		Reservations: b.Reservations,
		Orders:       b.Orders,
		Requests:     b.Requests,
		Delegations:  b.Delegations,
	}
	enforcer := authz.NewEnforcer(authz.Config{StrictDelegationChecks: cfg.StrictDelegationChecks},
		owners, b.Delegations, rec, clk, log.Named("authz"))

	return dispatch.New(dispatch.Deps{
		Table:       dispatch.NewTable(reservations, agent),
		Resolver:    actor.NewResolver([]byte(cfg.JWTKey), cfg.Audience),
		Enforcer:    enforcer,
		Idempotency: b.Idempotency,
		Limiter:     b.Limiter,
		Audit:       rec,
		Clock:       clk,
		IDs:         ids,
		RouteLimit:  dispatch.Limit{Max: cfg.RouteLimit.Max, Window: cfg.RouteLimit.Window},
		AgentLimit:  dispatch.Limit{Max: cfg.AgentLimit.Max, Window: cfg.AgentLimit.Window},
		Log:         log.Named("dispatch"),
	}), nil
}

// secret falls back to the JWT key when no separate signing secret is set.
func secret(cfg config.Config) string {
	if cfg.SigningSecret != "" {
		return cfg.SigningSecret
	}
	return cfg.JWTKey
}
