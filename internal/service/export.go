package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/and161185/kilnkeeper/internal/crypto"
	"github.com/and161185/kilnkeeper/internal/errs"
	"github.com/and161185/kilnkeeper/internal/model"
)

// ContinuitySchemaVersion identifies the export layout.
const ContinuitySchemaVersion = "continuity-export.v1"

// exportLimit caps how many reservations one export carries.
const exportLimit = 1000

// ContinuityHeader identifies and signs an export.
type ContinuityHeader struct {
	OwnerUID      string `json:"ownerUid"`
	SchemaVersion string `json:"schemaVersion"`
	GeneratedAtMs int64  `json:"generatedAtMs"`
	Signature     string `json:"signature"`
}

// ContinuitySections is the machine-readable body.
type ContinuitySections struct {
	Reservations       []model.Reservation       `json:"reservations"`
	StorageAudit       []model.StorageAuditEntry `json:"storageAudit"`
	QueueFairnessAudit []model.FairnessEvidence  `json:"queueFairnessAudit"`
}

// ContinuityTables is the tabular body, one CSV document per section.
type ContinuityTables struct {
	Reservations       string `json:"reservations"`
	StorageAudit       string `json:"storageAudit"`
	QueueFairnessAudit string `json:"queueFairnessAudit"`
}

// ContinuityExport is the signed read-only bundle for one owner.
type ContinuityExport struct {
	Header ContinuityHeader   `json:"header"`
	JSON   ContinuitySections `json:"json"`
	CSV    ContinuityTables   `json:"csv"`
}

type signedContinuity struct {
	OwnerUID      string             `json:"ownerUid"`
	SchemaVersion string             `json:"schemaVersion"`
	GeneratedAtMs int64              `json:"generatedAtMs"`
	Sections      ContinuitySections `json:"sections"`
}

func (e *ContinuityExport) payload() ([]byte, error) {
	return json.Marshal(signedContinuity{
		OwnerUID:      e.Header.OwnerUID,
		SchemaVersion: e.Header.SchemaVersion,
		GeneratedAtMs: e.Header.GeneratedAtMs,
		Sections:      e.JSON,
	})
}

// VerifyContinuity reports whether exp carries a valid signature under key.
func VerifyContinuity(key []byte, exp *ContinuityExport) bool {
	p, err := exp.payload()
	if err != nil {
		return false
	}
	return crypto.VerifyExport(key, p, exp.Header.Signature)
}

// ExportContinuity assembles and signs the owner's history. It never mutates state.
func (s *ReservationServiceImpl) ExportContinuity(ctx context.Context, ownerUID string) (*ContinuityExport, error) {
	if ownerUID == "" {
		return nil, errs.Invalid("ownerUid is required")
	}
	reservations, err := s.reservations.ListByOwner(ctx, ownerUID, exportLimit)
	if err != nil {
		return nil, fmt.Errorf("export reservations: %w", err)
	}
	storage, err := s.evidence.StorageAuditByOwner(ctx, ownerUID)
	if err != nil {
		return nil, fmt.Errorf("export storage audit: %w", err)
	}
	fairness, err := s.evidence.FairnessByOwner(ctx, ownerUID)
	if err != nil {
		return nil, fmt.Errorf("export fairness audit: %w", err)
	}
	for i := range reservations {
		// arrival tokens are bearer secrets
		reservations[i].ArrivalToken = ""
		reservations[i].ArrivalTokenLookup = ""
	}

	exp := &ContinuityExport{
		Header: ContinuityHeader{
			OwnerUID:      ownerUID,
			SchemaVersion: ContinuitySchemaVersion,
			GeneratedAtMs: s.clock.NowMs(),
		},
		JSON: ContinuitySections{Reservations: reservations, StorageAudit: storage, QueueFairnessAudit: fairness},
	}
	if exp.CSV, err = continuityTables(exp.JSON); err != nil {
		return nil, err
	}
	p, err := exp.payload()
	if err != nil {
		return nil, err
	}
	if exp.Header.Signature, err = crypto.SignExport(s.opts.ExportKey, p); err != nil {
		return nil, fmt.Errorf("sign export: %w", err)
	}
	return exp, nil
}

func continuityTables(sec ContinuitySections) (ContinuityTables, error) {
	var (
		t   ContinuityTables
		err error
	)
	resRows := make([][]string, 0, len(sec.Reservations))
	for _, r := range sec.Reservations {
		resRows = append(resRows, []string{
			r.ID, r.Status, r.LoadStatus, r.FiringType, r.AssignedStationID,
			strconv.Itoa(r.EstimatedHalfShelves), r.IntakeMode, r.StorageStatus,
			strconv.Itoa(r.PickupWindow.MissedCount), strconv.Itoa(r.PickupWindow.RescheduleCount),
			strconv.FormatInt(r.CreatedAt.UnixMilli(), 10), strconv.FormatInt(r.UpdatedAt.UnixMilli(), 10),
		})
	}
	if t.Reservations, err = writeCSV([]string{
		"id", "status", "loadStatus", "firingType", "stationId", "estimatedHalfShelves", "intakeMode",
		"storageStatus", "missedCount", "rescheduleCount", "createdAtMs", "updatedAtMs",
	}, resRows); err != nil {
		return t, err
	}

	storageRows := make([][]string, 0, len(sec.StorageAudit))
	for _, e := range sec.StorageAudit {
		storageRows = append(storageRows, []string{
			e.ID, e.ReservationID, e.FromStatus, e.ToStatus, e.Reason, strconv.FormatInt(e.AtMs, 10),
		})
	}
	if t.StorageAudit, err = writeCSV([]string{"id", "reservationId", "fromStatus", "toStatus", "reason", "atMs"}, storageRows); err != nil {
		return t, err
	}

	fairRows := make([][]string, 0, len(sec.QueueFairnessAudit))
	for _, ev := range sec.QueueFairnessAudit {
		fairRows = append(fairRows, []string{
			ev.ID, ev.ReservationID, ev.Kind, ev.Reason, strconv.Itoa(ev.Points), ev.ActorUID, strconv.FormatInt(ev.AtMs, 10),
		})
	}
	t.QueueFairnessAudit, err = writeCSV([]string{"id", "reservationId", "kind", "reason", "points", "actorUid", "atMs"}, fairRows)
	return t, err
}

func writeCSV(header []string, rows [][]string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return "", err
	}
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}
