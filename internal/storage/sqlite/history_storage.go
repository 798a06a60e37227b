package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/models"
)

// HistoryStorage implements interfaces.HistoryStorage over SQLite. Rows are
// append-only; there is no update or delete path.
type HistoryStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new export history storage instance
func NewHistoryStorage(db *SQLiteDB, logger arbor.ILogger) *HistoryStorage {
	return &HistoryStorage{db: db, logger: logger}
}

const historyColumns = `id, job_id, export_id, export_type, status, exported_at, external_reference, error_message, context`

func scanHistory(row interface{ Scan(...any) error }) (*models.ExportHistory, error) {
	var h models.ExportHistory
	var exportID sql.NullInt64
	var externalRef, errorMessage, contextJSON sql.NullString
	var exportedAt int64
	err := row.Scan(&h.ID, &h.JobID, &exportID, &h.ExportType, &h.Status,
		&exportedAt, &externalRef, &errorMessage, &contextJSON)
	if err != nil {
		return nil, err
	}
	if exportID.Valid {
		h.ExportID = &exportID.Int64
	}
	h.ExportedAt = time.Unix(exportedAt, 0).UTC()
	h.ExternalReference = externalRef.String
	h.ErrorMessage = errorMessage.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &h.Context); err != nil {
			return nil, fmt.Errorf("failed to decode history context: %w", err)
		}
	}
	return &h, nil
}

// CreateExportHistory appends one audit row for an export attempt
func (s *HistoryStorage) CreateExportHistory(ctx context.Context, h *models.ExportHistory) (int64, error) {
	if h.ExportedAt.IsZero() {
		h.ExportedAt = time.Now().UTC()
	}
	contextJSON, err := marshalMap(h.Context)
	if err != nil {
		return 0, fmt.Errorf("failed to encode history context: %w", err)
	}
	var exportID any
	if h.ExportID != nil {
		exportID = *h.ExportID
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO export_history (job_id, export_id, export_type, status, exported_at,
		 external_reference, error_message, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.JobID, exportID, h.ExportType, h.Status, h.ExportedAt.Unix(),
		nullString(h.ExternalReference), nullString(h.ErrorMessage), contextJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to create export history: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get history id: %w", err)
	}
	h.ID = id
	return id, nil
}

// ListExportHistory returns all attempts recorded for a job, oldest first
func (s *HistoryStorage) ListExportHistory(ctx context.Context, jobID int64) ([]*models.ExportHistory, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+historyColumns+` FROM export_history WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list export history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// ListExportHistoryByUser returns attempts across every job owned by the
// user's automations, newest first.
func (s *HistoryStorage) ListExportHistoryByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.ExportHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT h.id, h.job_id, h.export_id, h.export_type, h.status, h.exported_at,
		 h.external_reference, h.error_message, h.context
		 FROM export_history h
		 JOIN jobs j ON j.id = h.job_id
		 JOIN automations a ON a.id = j.automation_id
		 WHERE a.user_id = ? ORDER BY h.id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list export history by user: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]*models.ExportHistory, error) {
	var entries []*models.ExportHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
