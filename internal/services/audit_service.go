package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"

	"github.com/eduwallet/backend/internal/models"
)

// AuditService appends one immutable event per state-changing action.
// A failed write is logged as a fault but never rolls back the
// financial mutation it describes.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// Record writes an audit event. oldValues and newValues are marshalled
// verbatim; pass nil for either when there is no snapshot.
func (s *AuditService) Record(ctx context.Context, actor, action, resourceType, resourceID string, oldValues, newValues any, origin models.RequestOrigin) {
	oldJSON := marshalSnapshot(oldValues)
	newJSON := marshalSnapshot(newValues)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, action, resource_type, resource_id, old_values, new_values, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		actor, action, resourceType, resourceID, oldJSON, newJSON, origin.IPAddress, origin.UserAgent)
	if err != nil {
		log.Printf("[AUDIT] Failed to record %s on %s/%s: %v", action, resourceType, resourceID, err)
	}
}

func marshalSnapshot(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[AUDIT] Failed to marshal snapshot: %v", err)
		return nil
	}
	return data
}
