package sqlite

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/interfaces"
)

// Manager bundles the per-entity stores over one SQLite database
type Manager struct {
	db          *SQLiteDB
	users       *UserStorage
	automations *AutomationStorage
	jobs        *JobStorage
	history     *HistoryStorage
	audit       *AuditStorage
	logger      arbor.ILogger
}

// NewManager opens the database and wires up every store
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &Manager{
		db:          db,
		users:       NewUserStorage(db, logger),
		automations: NewAutomationStorage(db, logger),
		jobs:        NewJobStorage(db, logger),
		history:     NewHistoryStorage(db, logger),
		audit:       NewAuditStorage(db, logger),
		logger:      logger,
	}, nil
}

// Users returns the user store
func (m *Manager) Users() interfaces.UserStorage { return m.users }

// Automations returns the automation store
func (m *Manager) Automations() interfaces.AutomationStorage { return m.automations }

// Jobs returns the job store
func (m *Manager) Jobs() interfaces.JobStorage { return m.jobs }

// History returns the export history store
func (m *Manager) History() interfaces.HistoryStorage { return m.history }

// Audit returns the audit log store
func (m *Manager) Audit() interfaces.AuditStorage { return m.audit }

// DB exposes the underlying connection wrapper
func (m *Manager) DB() *SQLiteDB { return m.db }

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
