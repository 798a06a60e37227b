package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := arbor.NewLogger()
	m, err := NewManager(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 1000,
		WALMode:       false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func createTestUser(t *testing.T, m *Manager, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username:       username,
		Email:          username + "@example.org",
		HashedPassword: "x",
		Active:         true,
	}
	_, err := m.Users().CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

func createTestAutomation(t *testing.T, m *Manager, userID int64, name string) *models.Automation {
	t.Helper()
	a := &models.Automation{
		UserID: userID,
		Name:   name,
		Active: true,
	}
	_, err := m.Automations().CreateAutomation(context.Background(), a)
	require.NoError(t, err)
	return a
}
