package models

import "time"

// Bus subjects for the jobs stream
const (
	SubjectJobStarted   = "job.started"
	SubjectJobCompleted = "job.completed"
	SubjectJobFailed    = "job.failed"
)

// StreamJobs is the durable stream carrying all job lifecycle events
const StreamJobs = "jobs"

// JobStartedEvent is published when a job is triggered. The coordinator is
// the sole consumer; redeliveries after the pending->running transition are
// acked without effect.
type JobStartedEvent struct {
	JobID        int64     `json:"job_id"`
	AutomationID int64     `json:"automation_id"`
	UserID       int64     `json:"user_id"`
	StartedAt    time.Time `json:"started_at"`
	FromDate     string    `json:"from_date,omitempty"` // YYYY-MM-DD
	MaxResults   int       `json:"max_results,omitempty"`
}

// JobCompletedEvent is published exactly once per successfully finalized job
type JobCompletedEvent struct {
	JobID        int64     `json:"job_id"`
	AutomationID int64     `json:"automation_id"`
	UserID       int64     `json:"user_id"`
	CompletedAt  time.Time `json:"completed_at"`
	Stats        *JobStats `json:"stats,omitempty"`
}

// JobFailedEvent is published exactly once per failed job
type JobFailedEvent struct {
	JobID        int64          `json:"job_id"`
	AutomationID int64          `json:"automation_id"`
	UserID       int64          `json:"user_id"`
	FailedAt     time.Time      `json:"failed_at"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}
