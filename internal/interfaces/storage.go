package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/fakturenn/internal/models"
)

// ErrNotFound is returned when a lookup matches no row, including lookups
// rejected by the tenancy filter.
var ErrNotFound = errors.New("not found")

// UserStorage manages user accounts
type UserStorage interface {
	CreateUser(ctx context.Context, user *models.User) (int64, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// AutomationStorage manages automations and their sources, exports and
// mappings. Every automation lookup filters on the owning user id.
type AutomationStorage interface {
	CreateAutomation(ctx context.Context, a *models.Automation) (int64, error)
	GetAutomation(ctx context.Context, id, userID int64) (*models.Automation, error)
	UpdateAutomation(ctx context.Context, a *models.Automation) error
	DeleteAutomation(ctx context.Context, id, userID int64) error
	ListAutomations(ctx context.Context, userID int64) ([]*models.Automation, error)
	ListScheduledAutomations(ctx context.Context) ([]*models.Automation, error)

	CreateSource(ctx context.Context, s *models.Source) (int64, error)
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	UpdateSource(ctx context.Context, s *models.Source) error
	DeleteSource(ctx context.Context, id int64) error
	ListSources(ctx context.Context, automationID int64) ([]*models.Source, error)
	ListActiveSources(ctx context.Context, automationID int64) ([]*models.Source, error)

	CreateExport(ctx context.Context, e *models.Export) (int64, error)
	GetExport(ctx context.Context, id int64) (*models.Export, error)
	UpdateExport(ctx context.Context, e *models.Export) error
	DeleteExport(ctx context.Context, id int64) error
	ListExports(ctx context.Context, automationID int64) ([]*models.Export, error)
	ListActiveExports(ctx context.Context, automationID int64) ([]*models.Export, error)

	CreateMapping(ctx context.Context, m *models.SourceExportMapping) (int64, error)
	DeleteMapping(ctx context.Context, id int64) error
	ListMappings(ctx context.Context, automationID int64) ([]*models.SourceExportMapping, error)
	ListMappingsForSource(ctx context.Context, sourceID int64) ([]*models.SourceExportMapping, error)
}

// JobStorage manages job rows and the guarded status transitions.
//
// The transition methods return (false, nil) when the guard did not match,
// which callers use for idempotence: the first writer to move the row wins.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobStatus(ctx context.Context, id int64) (models.JobStatus, error)
	ListJobs(ctx context.Context, automationID int64, status models.JobStatus, limit, offset int) ([]*models.Job, error)

	// MarkRunning performs the pending->running CAS, setting started_at
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) (bool, error)
	// MarkCompleted finalizes running->completed with stats
	MarkCompleted(ctx context.Context, id int64, stats *models.JobStats, completedAt time.Time) (bool, error)
	// MarkFailed finalizes {pending,running}->failed with the error message
	MarkFailed(ctx context.Context, id int64, errorMessage string, completedAt time.Time) (bool, error)
	// MarkCancelled moves a pending or running job to cancelled (API path)
	MarkCancelled(ctx context.Context, id int64, completedAt time.Time) (bool, error)
}

// HistoryStorage appends and reads export audit rows
type HistoryStorage interface {
	CreateExportHistory(ctx context.Context, h *models.ExportHistory) (int64, error)
	ListExportHistory(ctx context.Context, jobID int64) ([]*models.ExportHistory, error)
	ListExportHistoryByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.ExportHistory, error)
}

// AuditStorage appends audit log rows
type AuditStorage interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, userID int64, limit, offset int) ([]*models.AuditLog, error)
}

// StorageManager bundles the per-entity stores over one database
type StorageManager interface {
	Users() UserStorage
	Automations() AutomationStorage
	Jobs() JobStorage
	History() HistoryStorage
	Audit() AuditStorage
	Close() error
}
