package models

import "time"

// SourceType identifies the acquisition adapter for a source
type SourceType string

const (
	SourceTypeFreeInvoice       SourceType = "FreeInvoice"
	SourceTypeFreeMobileInvoice SourceType = "FreeMobileInvoice"
	SourceTypeMailbox           SourceType = "Mailbox"
)

// ExportType identifies the delivery adapter for an export
type ExportType string

const (
	ExportTypeLocalStorage ExportType = "LocalStorage"
	ExportTypeGoogleDrive  ExportType = "GoogleDrive"
	ExportTypePaheko       ExportType = "Paheko"
)

// Automation binds sources and exports into a runnable unit. Name is unique
// per owning user; deleting an automation cascades to sources, exports and jobs.
type Automation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Schedule     string    `json:"schedule,omitempty"`       // cron expression
	FromDateRule string    `json:"from_date_rule,omitempty"` // e.g. "current_month", "last_30_days"
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Source is a named provider-fetch definition owned by an automation
type Source struct {
	ID                   int64          `json:"id"`
	AutomationID         int64          `json:"automation_id"`
	Name                 string         `json:"name"`
	Type                 SourceType     `json:"type"`
	EmailSenderFrom      string         `json:"email_sender_from,omitempty"`
	EmailSubjectContains string         `json:"email_subject_contains,omitempty"`
	ExtractionParams     map[string]any `json:"extraction_params,omitempty"`
	MaxResults           int            `json:"max_results"`
	Active               bool           `json:"active"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Export is a named delivery-target definition owned by an automation.
// Configuration is a type-tagged map whose shape depends on Type; unknown
// fields are preserved round-trip for audit tooling.
type Export struct {
	ID            int64          `json:"id"`
	AutomationID  int64          `json:"automation_id"`
	Name          string         `json:"name"`
	Type          ExportType     `json:"type"`
	Configuration map[string]any `json:"configuration"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SourceExportMapping routes invoices from a source to an export.
// (source_id, export_id) is unique; exports for one invoice are attempted in
// ascending priority order.
type SourceExportMapping struct {
	ID         int64          `json:"id"`
	SourceID   int64          `json:"source_id"`
	ExportID   int64          `json:"export_id"`
	Priority   int            `json:"priority"`
	Conditions map[string]any `json:"conditions,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
