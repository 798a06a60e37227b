package models

import "time"

// JobStatus represents the state of an automation run
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Coordinator failure reasons recorded in Job.ErrorMessage
const (
	ErrReasonAutomationNotFound = "AutomationNotFound"
	ErrReasonEmptyPipeline      = "EmptyPipeline"
	ErrReasonAllSourcesFailed   = "AllSourcesFailed"
	ErrReasonTimeout            = "Timeout"
	ErrReasonCancelled          = "Cancelled"
)

// JobStats summarizes one run; persisted as JSON on the job row and included
// in the job.completed event.
type JobStats struct {
	SourcesExecuted   int `json:"sources_executed"`
	SourcesFailed     int `json:"sources_failed"`
	InvoicesExtracted int `json:"invoices_extracted"`
	InvoicesUnrouted  int `json:"invoices_unrouted,omitempty"`
	ExportsCompleted  int `json:"exports_completed"`
	ExportsFailed     int `json:"exports_failed"`
	DurationSeconds   int `json:"duration_seconds"`
}

// Job tracks one concrete run of an automation.
//
// Status transitions are monotone: pending -> running -> {completed, failed},
// with cancelled reachable from pending or running via the API only. The
// coordinator owns every transition out of pending except cancellation.
type Job struct {
	ID           int64      `json:"id"`
	AutomationID int64      `json:"automation_id"`
	Status       JobStatus  `json:"status"`
	FromDate     string     `json:"from_date,omitempty"` // YYYY-MM-DD
	MaxResults   int        `json:"max_results,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Stats        *JobStats  `json:"stats,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
