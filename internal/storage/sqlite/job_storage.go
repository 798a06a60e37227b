package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// JobStorage implements interfaces.JobStorage over SQLite.
//
// Status transitions are compare-and-swap updates: the WHERE clause names the
// expected current status and a zero affected-row count means the caller lost
// the race. That single mechanism gives redelivery idempotence without locks.
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{db: db, logger: logger}
}

const jobColumns = `id, automation_id, status, from_date, max_results, started_at, completed_at, error_message, stats, created_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var fromDate, errorMessage, stats sql.NullString
	var maxResults sql.NullInt64
	var startedAt, completedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&j.ID, &j.AutomationID, &j.Status, &fromDate, &maxResults,
		&startedAt, &completedAt, &errorMessage, &stats, &createdAt)
	if err != nil {
		return nil, err
	}
	j.FromDate = fromDate.String
	j.MaxResults = int(maxResults.Int64)
	j.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		j.CompletedAt = &t
	}
	if stats.Valid && stats.String != "" {
		var s models.JobStats
		if err := json.Unmarshal([]byte(stats.String), &s); err != nil {
			return nil, fmt.Errorf("failed to decode job stats: %w", err)
		}
		j.Stats = &s
	}
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &j, nil
}

// CreateJob inserts a new pending job and returns its id
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) (int64, error) {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	var maxResults any
	if job.MaxResults > 0 {
		maxResults = job.MaxResults
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO jobs (automation_id, status, from_date, max_results, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.AutomationID, job.Status, nullString(job.FromDate), maxResults, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get job id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now
	return id, nil
}

// GetJob retrieves a job by id
func (s *JobStorage) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetJobStatus reads only the status column
func (s *JobStorage) GetJobStatus(ctx context.Context, id int64) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

// ListJobs returns jobs for an automation, newest first. A zero automationID
// matches all automations and an empty status matches all statuses.
func (s *JobStorage) ListJobs(ctx context.Context, automationID int64, status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if automationID > 0 {
		query += ` AND automation_id = ?`
		args = append(args, automationID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunning performs the pending->running transition. Returns false when
// the job is no longer pending (already claimed, cancelled, or finalized).
func (s *JobStorage) MarkRunning(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		models.JobStatusRunning, startedAt.UTC().Unix(), id, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// MarkCompleted performs the running->completed transition with final stats
func (s *JobStorage) MarkCompleted(ctx context.Context, id int64, stats *models.JobStats, completedAt time.Time) (bool, error) {
	var statsJSON any
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return false, fmt.Errorf("failed to encode job stats: %w", err)
		}
		statsJSON = string(b)
	}
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, stats = ?, completed_at = ? WHERE id = ? AND status = ?`,
		models.JobStatusCompleted, statsJSON, completedAt.UTC().Unix(), id, models.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// MarkFailed finalizes a pending or running job as failed with a reason
func (s *JobStorage) MarkFailed(ctx context.Context, id int64, errorMessage string, completedAt time.Time) (bool, error) {
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.JobStatusFailed, errorMessage, completedAt.UTC().Unix(),
		id, models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// MarkCancelled moves a pending or running job to cancelled. Terminal jobs
// are left untouched and the caller sees false.
func (s *JobStorage) MarkCancelled(ctx context.Context, id int64, completedAt time.Time) (bool, error) {
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.JobStatusCancelled, models.ErrReasonCancelled, completedAt.UTC().Unix(),
		id, models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}
