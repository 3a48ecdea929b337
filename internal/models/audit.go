package models

import (
	"encoding/json"
	"time"
)

// ActorSystem is the actor recorded for audit events not triggered by
// an authenticated user (reconciliation sweeps, webhooks).
const ActorSystem = "system"

// AuditLog is an append-only record of a state-changing action.
// Rows are never updated or deleted.
type AuditLog struct {
	ID           int             `json:"id" db:"id"`
	ActorID      string          `json:"actor_id" db:"actor_id"`
	Action       string          `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   string          `json:"resource_id" db:"resource_id"`
	OldValues    json.RawMessage `json:"old_values,omitempty" db:"old_values"`
	NewValues    json.RawMessage `json:"new_values,omitempty" db:"new_values"`
	IPAddress    string          `json:"ip_address" db:"ip_address"`
	UserAgent    string          `json:"user_agent" db:"user_agent"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// RequestOrigin carries the request metadata stored with each audit event.
type RequestOrigin struct {
	IPAddress string
	UserAgent string
}
