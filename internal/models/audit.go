package models

import "time"

// AuditLog records one administrative action. Append-only; user_id survives
// user deletion as NULL.
type AuditLog struct {
	ID           int64          `json:"id"`
	UserID       *int64         `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   int64          `json:"resource_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}
