package postgres

import (
	"context"

	"github.com/and161185/kilnkeeper/internal/model"
	"github.com/jackc/pgx/v5"
)

// DelegationRepo implements DelegationRepository using PostgreSQL.
type DelegationRepo struct{ db *DB }

// NewDelegationRepo constructs a delegation repository.
func NewDelegationRepo(db *DB) *DelegationRepo { return &DelegationRepo{db: db} }

const delegationCols = `id, owner_uid, agent_client_id, scopes, resources, status, expires_at_ms, revoked_at_ms, created_at_ms`

// Get loads a delegation by id.
func (r *DelegationRepo) Get(ctx context.Context, id string) (*model.Delegation, error) {
	q := `SELECT ` + delegationCols + ` FROM delegations WHERE id=$1`
	return scanDelegation(r.db.Pool.QueryRow(ctx, q, id))
}

// Revoke stamps revoked_at_ms once and marks the delegation inactive.
func (r *DelegationRepo) Revoke(ctx context.Context, id string, atMs int64) (*model.Delegation, error) {
	q := `
UPDATE delegations
SET revoked_at_ms = CASE WHEN revoked_at_ms = 0 THEN $2 ELSE revoked_at_ms END, status=$3
WHERE id=$1
RETURNING ` + delegationCols
	return scanDelegation(r.db.Pool.QueryRow(ctx, q, id, atMs, model.DelegationInactive))
}

func scanDelegation(row pgx.Row) (*model.Delegation, error) {
	var d model.Delegation
	err := row.Scan(&d.ID, &d.OwnerUID, &d.AgentClientID, &d.Scopes, &d.Resources,
		&d.Status, &d.ExpiresAtMs, &d.RevokedAtMs, &d.CreatedAtMs)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}
