package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// recordAudit appends one audit row for a mutating request. Audit failures are
// logged but never fail the request.
func recordAudit(r *http.Request, storage interfaces.StorageManager, logger arbor.ILogger, action, resourceType string, resourceID int64, details map[string]any) {
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Details:      details,
	}
	if user := UserFromContext(r.Context()); user != nil {
		id := user.ID
		entry.UserID = &id
	}
	if err := storage.Audit().CreateAuditLog(r.Context(), entry); err != nil {
		logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit log")
	}
}
