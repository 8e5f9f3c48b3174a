package model

import "time"

// Reservation status values.
const (
	StatusRequested  = "REQUESTED"
	StatusConfirmed  = "CONFIRMED"
	StatusWaitlisted = "WAITLISTED"
	StatusCancelled  = "CANCELLED"
)

// Load status values, in the only order they may advance.
const (
	LoadQueued   = "queued"
	LoadLoading  = "loading"
	LoadLoaded   = "loaded"
	LoadFired    = "fired"
	LoadUnloaded = "unloaded"
)

// LoadOrder lists load statuses in progression order.
var LoadOrder = []string{LoadQueued, LoadLoading, LoadLoaded, LoadFired, LoadUnloaded}

// Intake modes.
const (
	IntakeNormal         = "normal"
	IntakeCommunityShelf = "community_shelf"
)

// Arrival status values.
const (
	ArrivalExpected = "expected"
	ArrivalArrived  = "arrived"
)

// Pickup window status values.
const (
	WindowNone      = "none"
	WindowOpen      = "open"
	WindowConfirmed = "confirmed"
	WindowMissed    = "missed"
)

// Storage status values.
const (
	StorageActive         = "active"
	StorageStoredByPolicy = "stored_by_policy"
)

// Firing types accepted at intake.
const (
	FiringBisque   = "bisque"
	FiringGlaze    = "glaze"
	FiringRaku     = "raku"
	FiringLuster   = "luster"
	FiringTestTile = "test_tile"
)

// IsTerminalStatus reports whether no further status change is allowed.
func IsTerminalStatus(status string) bool { return status == StatusCancelled }

// PickupWindow tracks the staff-offered pickup slot for finished work.
type PickupWindow struct {
	Status          string `json:"status"`
	ConfirmedStart  int64  `json:"confirmedStart,omitempty"`
	ConfirmedEnd    int64  `json:"confirmedEnd,omitempty"`
	RequestedStart  int64  `json:"requestedStart,omitempty"`
	RequestedEnd    int64  `json:"requestedEnd,omitempty"`
	RescheduleCount int    `json:"rescheduleCount"`
	MissedCount     int    `json:"missedCount"`
}

// QueueFairness holds the penalty counters for a reservation.
type QueueFairness struct {
	NoShowCount      int `json:"noShowCount"`
	LateArrivalCount int `json:"lateArrivalCount"`
	OverrideBoost    int `json:"overrideBoost"`
}

// DropOffProfile describes how the work is dropped off.
type DropOffProfile struct {
	BisqueOnly bool `json:"bisqueOnly,omitempty"`
}

// AddOns are optional paid services.
type AddOns struct {
	Delivery             bool   `json:"delivery,omitempty"`
	DeliveryAddress      string `json:"deliveryAddress,omitempty"`
	DeliveryInstructions string `json:"deliveryInstructions,omitempty"`
}

// StageHistoryEntry is one append-only transition record.
type StageHistoryEntry struct {
	FromStage string `json:"fromStage"`
	ToStage   string `json:"toStage"`
	Reason    string `json:"reason"`
	ActorUID  string `json:"actorUid,omitempty"`
	AtMs      int64  `json:"atMs"`
}

// Reservation is the core lifecycle entity. It is never deleted.
type Reservation struct {
	ID                   string         `json:"id"`
	OwnerUID             string         `json:"ownerUid"`
	Status               string         `json:"status"`
	LoadStatus           string         `json:"loadStatus"`
	FiringType           string         `json:"firingType"`
	AssignedStationID    string         `json:"assignedStationId,omitempty"`
	EstimatedHalfShelves int            `json:"estimatedHalfShelves"`
	IntakeMode           string         `json:"intakeMode"`
	DropOff              DropOffProfile `json:"dropOffProfile"`
	AddOns               AddOns         `json:"addOns"`
	Notes                string         `json:"notes,omitempty"`

	ArrivalToken            string `json:"arrivalToken,omitempty"`
	ArrivalTokenLookup      string `json:"arrivalTokenLookup,omitempty"`
	ArrivalTokenVersion     int    `json:"arrivalTokenVersion"`
	ArrivalTokenExpiresAtMs int64  `json:"arrivalTokenExpiresAtMs,omitempty"`
	ArrivalStatus           string `json:"arrivalStatus"`
	ArrivedAtMs             int64  `json:"arrivedAtMs,omitempty"`

	PickupWindow  PickupWindow  `json:"pickupWindow"`
	StorageStatus string        `json:"storageStatus"`
	QueueFairness QueueFairness `json:"queueFairness"`

	StageHistory []StageHistoryEntry `json:"stageHistory"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// CountsTowardCapacity reports whether the reservation occupies station capacity.
func (r *Reservation) CountsTowardCapacity() bool {
	return !IsTerminalStatus(r.Status) && r.IntakeMode != IntakeCommunityShelf
}

// Clone returns a deep copy safe to mutate.
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.StageHistory = append([]StageHistoryEntry(nil), r.StageHistory...)
	return &c
}

// Fairness evidence kinds.
const (
	EvidenceNoShow        = "no_show"
	EvidenceLateArrival   = "late_arrival"
	EvidenceOverrideBoost = "override_boost"
)

// FairnessEvidence is an immutable record of a queue-fairness adjustment.
type FairnessEvidence struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservationId"`
	OwnerUID      string `json:"ownerUid"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	Points        int    `json:"points"`
	ActorUID      string `json:"actorUid"`
	AtMs          int64  `json:"atMs"`
}

// StorageAuditEntry is an immutable record of a storage status change.
type StorageAuditEntry struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservationId"`
	OwnerUID      string `json:"ownerUid"`
	FromStatus    string `json:"fromStatus"`
	ToStatus      string `json:"toStatus"`
	Reason        string `json:"reason"`
	AtMs          int64  `json:"atMs"`
}
