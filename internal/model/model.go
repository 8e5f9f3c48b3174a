// Package model defines domain entities used by services and repositories.
package model

import "time"

// Delegation status values.
const (
	DelegationActive   = "active"
	DelegationInactive = "inactive"
)

// Delegation is an owner's grant of scoped, resource-limited, time-boxed capability to an agent client.
type Delegation struct {
	ID            string   `json:"id"`
	OwnerUID      string   `json:"ownerUid"`
	AgentClientID string   `json:"agentClientId"`
	Scopes        []string `json:"scopes"`
	Resources     []string `json:"resources"` // "owner:<uid>", "route:<path>", "order:<id>", "*"
	Status        string   `json:"status"`
	ExpiresAtMs   int64    `json:"expiresAtMs"`
	RevokedAtMs   int64    `json:"revokedAtMs"` // 0 means not revoked
	CreatedAtMs   int64    `json:"createdAtMs"`
}

// Order is a read-only purchase record addressable by agents.
type Order struct {
	ID            string    `json:"id"`
	OwnerUID      string    `json:"ownerUid"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amountCents"`
	ReservationID string    `json:"reservationId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ServiceRequest is a member's support/service request addressable by agents.
type ServiceRequest struct {
	ID        string    `json:"id"`
	OwnerUID  string    `json:"ownerUid"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Audit results.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
)

// AuditEvent is an append-only record of an authorization decision or state mutation.
type AuditEvent struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	ReasonCode   string
	ActorMode    string
	ActorUID     string
	Result       string
	RequestID    string
	Metadata     map[string]any
	AtMs         int64
}

// IdempotencyRecord is a claimed idempotency key. Data is set once the
// claiming call completes; until then the record is Pending.
type IdempotencyRecord struct {
	Key         string
	Data        map[string]any
	Pending     bool
	CreatedAtMs int64
}
