package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/storage/sqlite"
)

func newTestAuth(t *testing.T) (*Service, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   8,
		BusyTimeoutMS: 1000,
		WALMode:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return NewService(logger, storage), storage
}

func seedUser(t *testing.T, storage interfaces.StorageManager, username, password string, active bool) *models.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	user := &models.User{
		Username:       username,
		Email:          username + "@example.com",
		HashedPassword: hash,
		Active:         active,
	}
	_, err = storage.Users().CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

func TestLogin_ValidCredentials(t *testing.T) {
	service, storage := newTestAuth(t)
	seedUser(t, storage, "alice", "s3cret-pass", true)

	token, user, err := service.Login(context.Background(), "alice", "s3cret-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", user.Username)
}

func TestLogin_WrongPassword(t *testing.T) {
	service, storage := newTestAuth(t)
	seedUser(t, storage, "alice", "s3cret-pass", true)

	_, _, err := service.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownUser(t *testing.T) {
	service, _ := newTestAuth(t)

	_, _, err := service.Login(context.Background(), "nobody", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_InactiveUser(t *testing.T) {
	service, storage := newTestAuth(t)
	seedUser(t, storage, "alice", "s3cret-pass", false)

	_, _, err := service.Login(context.Background(), "alice", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_ResolvesToken(t *testing.T) {
	service, storage := newTestAuth(t)
	seeded := seedUser(t, storage, "alice", "s3cret-pass", true)

	token, _, err := service.Login(context.Background(), "alice", "s3cret-pass")
	require.NoError(t, err)

	user, err := service.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, user.ID)
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	service, _ := newTestAuth(t)

	_, err := service.Authenticate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestAuthenticate_DeactivatedUserInvalidatesSession(t *testing.T) {
	service, storage := newTestAuth(t)
	seeded := seedUser(t, storage, "alice", "s3cret-pass", true)
	ctx := context.Background()

	token, _, err := service.Login(ctx, "alice", "s3cret-pass")
	require.NoError(t, err)

	seeded.Active = false
	require.NoError(t, storage.Users().UpdateUser(ctx, seeded))

	_, err = service.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestLogout_RevokesToken(t *testing.T) {
	service, storage := newTestAuth(t)
	seedUser(t, storage, "alice", "s3cret-pass", true)

	token, _, err := service.Login(context.Background(), "alice", "s3cret-pass")
	require.NoError(t, err)

	service.Logout(token)
	_, err = service.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
