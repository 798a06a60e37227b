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

// AutomationStorage implements interfaces.AutomationStorage over SQLite.
// Automation reads and deletes always filter on the owning user id; sources,
// exports and mappings are reached through their automation so the filter
// holds transitively.
type AutomationStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewAutomationStorage creates a new automation storage instance
func NewAutomationStorage(db *SQLiteDB, logger arbor.ILogger) *AutomationStorage {
	return &AutomationStorage{db: db, logger: logger}
}

const automationColumns = `id, user_id, name, description, schedule, from_date_rule, active, created_at, updated_at`

func scanAutomation(row interface{ Scan(...any) error }) (*models.Automation, error) {
	var a models.Automation
	var description, schedule, fromDateRule sql.NullString
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &description, &schedule, &fromDateRule,
		&active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Schedule = schedule.String
	a.FromDateRule = fromDateRule.String
	a.Active = active != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

// CreateAutomation inserts a new automation and returns its id
func (s *AutomationStorage) CreateAutomation(ctx context.Context, a *models.Automation) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO automations (user_id, name, description, schedule, from_date_rule, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Name, nullString(a.Description), nullString(a.Schedule),
		nullString(a.FromDateRule), boolToInt(a.Active), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create automation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get automation id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return id, nil
}

// GetAutomation retrieves an automation owned by userID
func (s *AutomationStorage) GetAutomation(ctx context.Context, id, userID int64) (*models.Automation, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = ? AND user_id = ?`, id, userID)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

// UpdateAutomation updates an automation's mutable fields, scoped to its owner
func (s *AutomationStorage) UpdateAutomation(ctx context.Context, a *models.Automation) error {
	now := time.Now().UTC()
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE automations SET name = ?, description = ?, schedule = ?, from_date_rule = ?,
		 active = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		a.Name, nullString(a.Description), nullString(a.Schedule), nullString(a.FromDateRule),
		boolToInt(a.Active), now.Unix(), a.ID, a.UserID)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	a.UpdatedAt = now
	return nil
}

// DeleteAutomation removes an automation owned by userID; sources, exports
// and jobs cascade
func (s *AutomationStorage) DeleteAutomation(ctx context.Context, id, userID int64) error {
	result, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM automations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListAutomations returns all automations owned by userID
func (s *AutomationStorage) ListAutomations(ctx context.Context, userID int64) ([]*models.Automation, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

// ListScheduledAutomations returns active automations with a non-empty cron
// schedule, across all users. Used by the scheduler at startup and reload.
func (s *AutomationStorage) ListScheduledAutomations(ctx context.Context) ([]*models.Automation, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations
		 WHERE active = 1 AND schedule IS NOT NULL AND schedule != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func collectAutomations(rows *sql.Rows) ([]*models.Automation, error) {
	var automations []*models.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

// --- Sources ---

const sourceColumns = `id, automation_id, name, type, email_sender_from, email_subject_contains, extraction_params, max_results, active, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*models.Source, error) {
	var src models.Source
	var senderFrom, subjectContains, extractionParams sql.NullString
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&src.ID, &src.AutomationID, &src.Name, &src.Type, &senderFrom,
		&subjectContains, &extractionParams, &src.MaxResults, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	src.EmailSenderFrom = senderFrom.String
	src.EmailSubjectContains = subjectContains.String
	if extractionParams.Valid && extractionParams.String != "" {
		if err := json.Unmarshal([]byte(extractionParams.String), &src.ExtractionParams); err != nil {
			return nil, fmt.Errorf("failed to decode extraction params: %w", err)
		}
	}
	src.Active = active != 0
	src.CreatedAt = time.Unix(createdAt, 0).UTC()
	src.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &src, nil
}

// CreateSource inserts a new source and returns its id
func (s *AutomationStorage) CreateSource(ctx context.Context, src *models.Source) (int64, error) {
	now := time.Now().UTC()
	params, err := marshalMap(src.ExtractionParams)
	if err != nil {
		return 0, fmt.Errorf("failed to encode extraction params: %w", err)
	}
	if src.MaxResults <= 0 {
		src.MaxResults = 30
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO sources (automation_id, name, type, email_sender_from, email_subject_contains,
		 extraction_params, max_results, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.AutomationID, src.Name, src.Type, nullString(src.EmailSenderFrom),
		nullString(src.EmailSubjectContains), params, src.MaxResults,
		boolToInt(src.Active), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create source: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get source id: %w", err)
	}
	src.ID = id
	src.CreatedAt = now
	src.UpdatedAt = now
	return id, nil
}

// GetSource retrieves a source by id
func (s *AutomationStorage) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// UpdateSource updates a source's mutable fields
func (s *AutomationStorage) UpdateSource(ctx context.Context, src *models.Source) error {
	now := time.Now().UTC()
	params, err := marshalMap(src.ExtractionParams)
	if err != nil {
		return fmt.Errorf("failed to encode extraction params: %w", err)
	}
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE sources SET name = ?, type = ?, email_sender_from = ?, email_subject_contains = ?,
		 extraction_params = ?, max_results = ?, active = ?, updated_at = ? WHERE id = ?`,
		src.Name, src.Type, nullString(src.EmailSenderFrom), nullString(src.EmailSubjectContains),
		params, src.MaxResults, boolToInt(src.Active), now.Unix(), src.ID)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	src.UpdatedAt = now
	return nil
}

// DeleteSource removes a source; its mappings cascade
func (s *AutomationStorage) DeleteSource(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListSources returns all sources of an automation
func (s *AutomationStorage) ListSources(ctx context.Context, automationID int64) ([]*models.Source, error) {
	return s.listSources(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE automation_id = ? ORDER BY id`, automationID)
}

// ListActiveSources returns only the active sources of an automation
func (s *AutomationStorage) ListActiveSources(ctx context.Context, automationID int64) ([]*models.Source, error) {
	return s.listSources(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE automation_id = ? AND active = 1 ORDER BY id`, automationID)
}

func (s *AutomationStorage) listSources(ctx context.Context, query string, args ...any) ([]*models.Source, error) {
	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// --- Exports ---

const exportColumns = `id, automation_id, name, type, configuration, active, created_at, updated_at`

func scanExport(row interface{ Scan(...any) error }) (*models.Export, error) {
	var e models.Export
	var configuration string
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&e.ID, &e.AutomationID, &e.Name, &e.Type, &configuration,
		&active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if configuration != "" {
		if err := json.Unmarshal([]byte(configuration), &e.Configuration); err != nil {
			return nil, fmt.Errorf("failed to decode export configuration: %w", err)
		}
	}
	e.Active = active != 0
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

// CreateExport inserts a new export and returns its id
func (s *AutomationStorage) CreateExport(ctx context.Context, e *models.Export) (int64, error) {
	now := time.Now().UTC()
	configuration, err := json.Marshal(e.Configuration)
	if err != nil {
		return 0, fmt.Errorf("failed to encode export configuration: %w", err)
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO exports (automation_id, name, type, configuration, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AutomationID, e.Name, e.Type, string(configuration),
		boolToInt(e.Active), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create export: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get export id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now
	return id, nil
}

// GetExport retrieves an export by id
func (s *AutomationStorage) GetExport(ctx context.Context, id int64) (*models.Export, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get export: %w", err)
	}
	return e, nil
}

// UpdateExport updates an export's mutable fields
func (s *AutomationStorage) UpdateExport(ctx context.Context, e *models.Export) error {
	now := time.Now().UTC()
	configuration, err := json.Marshal(e.Configuration)
	if err != nil {
		return fmt.Errorf("failed to encode export configuration: %w", err)
	}
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE exports SET name = ?, type = ?, configuration = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		e.Name, e.Type, string(configuration), boolToInt(e.Active), now.Unix(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update export: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	e.UpdatedAt = now
	return nil
}

// DeleteExport removes an export; mappings cascade and export_history rows
// keep a NULL export_id
func (s *AutomationStorage) DeleteExport(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM exports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListExports returns all exports of an automation
func (s *AutomationStorage) ListExports(ctx context.Context, automationID int64) ([]*models.Export, error) {
	return s.listExports(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE automation_id = ? ORDER BY id`, automationID)
}

// ListActiveExports returns only the active exports of an automation
func (s *AutomationStorage) ListActiveExports(ctx context.Context, automationID int64) ([]*models.Export, error) {
	return s.listExports(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE automation_id = ? AND active = 1 ORDER BY id`, automationID)
}

func (s *AutomationStorage) listExports(ctx context.Context, query string, args ...any) ([]*models.Export, error) {
	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	var exports []*models.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

// --- Mappings ---

const mappingColumns = `id, source_id, export_id, priority, conditions, created_at`

func scanMapping(row interface{ Scan(...any) error }) (*models.SourceExportMapping, error) {
	var m models.SourceExportMapping
	var conditions sql.NullString
	var createdAt int64
	err := row.Scan(&m.ID, &m.SourceID, &m.ExportID, &m.Priority, &conditions, &createdAt)
	if err != nil {
		return nil, err
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &m.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode mapping conditions: %w", err)
		}
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &m, nil
}

// CreateMapping inserts a source->export routing row. The (source_id,
// export_id) unique constraint rejects duplicates.
func (s *AutomationStorage) CreateMapping(ctx context.Context, m *models.SourceExportMapping) (int64, error) {
	now := time.Now().UTC()
	conditions, err := marshalMap(m.Conditions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode mapping conditions: %w", err)
	}
	if m.Priority <= 0 {
		m.Priority = 1
	}
	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO source_export_mappings (source_id, export_id, priority, conditions, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.SourceID, m.ExportID, m.Priority, conditions, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create mapping: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get mapping id: %w", err)
	}
	m.ID = id
	m.CreatedAt = now
	return id, nil
}

// DeleteMapping removes a routing row
func (s *AutomationStorage) DeleteMapping(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM source_export_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListMappings returns all mappings whose source belongs to an automation
func (s *AutomationStorage) ListMappings(ctx context.Context, automationID int64) ([]*models.SourceExportMapping, error) {
	return s.listMappings(ctx,
		`SELECT m.id, m.source_id, m.export_id, m.priority, m.conditions, m.created_at
		 FROM source_export_mappings m
		 JOIN sources s ON s.id = m.source_id
		 WHERE s.automation_id = ? ORDER BY m.source_id, m.priority`, automationID)
}

// ListMappingsForSource returns a source's mappings in ascending priority
// order, which is the export attempt order.
func (s *AutomationStorage) ListMappingsForSource(ctx context.Context, sourceID int64) ([]*models.SourceExportMapping, error) {
	return s.listMappings(ctx,
		`SELECT `+mappingColumns+` FROM source_export_mappings
		 WHERE source_id = ? ORDER BY priority, id`, sourceID)
}

func (s *AutomationStorage) listMappings(ctx context.Context, query string, args ...any) ([]*models.SourceExportMapping, error) {
	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.SourceExportMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// --- helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
