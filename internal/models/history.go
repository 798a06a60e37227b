package models

import "time"

// ExportStatus is the tri-valued outcome of one export handler invocation
type ExportStatus string

const (
	ExportStatusSuccess          ExportStatus = "success"
	ExportStatusFailed           ExportStatus = "failed"
	ExportStatusDuplicateSkipped ExportStatus = "duplicate_skipped"
)

// ExportHistory is the append-only audit row written exactly once per handler
// invocation. Context carries the rendered template variables so the attempt
// can be inspected without joining to volatile provider data; no invoice body
// is stored.
type ExportHistory struct {
	ID                int64          `json:"id"`
	JobID             int64          `json:"job_id"`
	ExportID          *int64         `json:"export_id,omitempty"` // NULL after export deletion
	ExportType        ExportType     `json:"export_type"`
	Status            ExportStatus   `json:"status"`
	ExportedAt        time.Time      `json:"exported_at"`
	ExternalReference string         `json:"external_reference,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}
