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

// AuditStorage implements interfaces.AuditStorage over SQLite
type AuditStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewAuditStorage creates a new audit log storage instance
func NewAuditStorage(db *SQLiteDB, logger arbor.ILogger) *AuditStorage {
	return &AuditStorage{db: db, logger: logger}
}

// CreateAuditLog appends one audit row
func (s *AuditStorage) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	details, err := marshalMap(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	var userID any
	if entry.UserID != nil {
		userID = *entry.UserID
	}
	var resourceID any
	if entry.ResourceID > 0 {
		resourceID = entry.ResourceID
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO audit_log (user_id, action, resource_type, resource_id, timestamp, ip_address, user_agent, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, entry.Action, nullString(entry.ResourceType), resourceID,
		entry.Timestamp.Unix(), nullString(entry.IPAddress), nullString(entry.UserAgent), details)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

// ListAuditLogs returns audit rows, newest first. A zero userID matches all
// users (admin view).
func (s *AuditStorage) ListAuditLogs(ctx context.Context, userID int64, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, action, resource_type, resource_id, timestamp, ip_address, user_agent, details
	 FROM audit_log`
	args := []any{}
	if userID > 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		var uid, resourceID sql.NullInt64
		var resourceType, ipAddress, userAgent, details sql.NullString
		var ts int64
		err := rows.Scan(&e.ID, &uid, &e.Action, &resourceType, &resourceID, &ts,
			&ipAddress, &userAgent, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if uid.Valid {
			e.UserID = &uid.Int64
		}
		e.ResourceType = resourceType.String
		e.ResourceID = resourceID.Int64
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
