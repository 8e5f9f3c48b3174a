package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
)

// AuditRepo appends audit events.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Write inserts one audit event.
func (r *AuditRepo) Write(ctx context.Context, ev model.AuditEvent) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	const q = `
INSERT INTO audit_events (id, action, resource_type, resource_id, reason_code, actor_mode, actor_uid, result, request_id, metadata, at_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.db.Pool.Exec(ctx, q, ev.ID, ev.Action, ev.ResourceType, ev.ResourceID, ev.ReasonCode,
		ev.ActorMode, ev.ActorUID, ev.Result, ev.RequestID, doc, ev.AtMs)
	return err
}

// EvidenceRepo reads fairness and storage histories.
type EvidenceRepo struct{ db *DB }

// NewEvidenceRepo constructs an evidence repository.
func NewEvidenceRepo(db *DB) *EvidenceRepo { return &EvidenceRepo{db: db} }

// FairnessByOwner returns the owner's fairness evidence in write order.
func (r *EvidenceRepo) FairnessByOwner(ctx context.Context, ownerUID string) ([]model.FairnessEvidence, error) {
	const q = `
SELECT id, reservation_id, owner_uid, kind, reason, points, actor_uid, at_ms
FROM fairness_evidence WHERE owner_uid=$1
ORDER BY at_ms ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.FairnessEvidence, 0)
	for rows.Next() {
		var ev model.FairnessEvidence
		if err = rows.Scan(&ev.ID, &ev.ReservationID, &ev.OwnerUID, &ev.Kind, &ev.Reason, &ev.Points, &ev.ActorUID, &ev.AtMs); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StorageAuditByOwner returns the owner's storage audit entries in write order.
func (r *EvidenceRepo) StorageAuditByOwner(ctx context.Context, ownerUID string) ([]model.StorageAuditEntry, error) {
	const q = `
SELECT id, reservation_id, owner_uid, from_status, to_status, reason, at_ms
FROM storage_audit WHERE owner_uid=$1
ORDER BY at_ms ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.StorageAuditEntry, 0)
	for rows.Next() {
		var e model.StorageAuditEntry
		if err = rows.Scan(&e.ID, &e.ReservationID, &e.OwnerUID, &e.FromStatus, &e.ToStatus, &e.Reason, &e.AtMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IdempotencyRepo claims idempotency keys and stores completed results.
type IdempotencyRepo struct{ db *DB }

// NewIdempotencyRepo constructs an idempotency repository.
func NewIdempotencyRepo(db *DB) *IdempotencyRepo { return &IdempotencyRepo{db: db} }

// Claim inserts a pending row for key. The primary key makes exactly one
// concurrent caller win; the others read the existing row.
func (r *IdempotencyRepo) Claim(ctx context.Context, key string, nowMs int64) (*model.IdempotencyRecord, bool, error) {
	const claim = `
INSERT INTO idempotency_records (key, data, pending, created_at_ms)
VALUES ($1, NULL, true, $2)
ON CONFLICT (key) DO NOTHING
RETURNING key`
	var k string
	err := r.db.Pool.QueryRow(ctx, claim, key, nowMs).Scan(&k)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	const q = `SELECT key, data, pending, created_at_ms FROM idempotency_records WHERE key=$1`
	var (
		rec  model.IdempotencyRecord
		data []byte
	)
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&rec.Key, &data, &rec.Pending, &rec.CreatedAtMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// released between the two statements; the holder failed
			return &model.IdempotencyRecord{Key: key, Pending: true}, false, nil
		}
		return nil, false, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, false, fmt.Errorf("decode idempotency record: %w", err)
		}
	}
	return &rec, false, nil
}

// Complete stores the result of a claimed key.
func (r *IdempotencyRepo) Complete(ctx context.Context, key string, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	tag, err := r.db.Pool.Exec(ctx, `UPDATE idempotency_records SET data=$2, pending=false WHERE key=$1`, key, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Release deletes a still-pending claim.
func (r *IdempotencyRepo) Release(ctx context.Context, key string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key=$1 AND pending`, key)
	return err
}
