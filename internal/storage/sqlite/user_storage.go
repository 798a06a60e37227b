package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// UserStorage implements interfaces.UserStorage over SQLite
type UserStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewUserStorage creates a new user storage instance
func NewUserStorage(db *SQLiteDB, logger arbor.ILogger) *UserStorage {
	return &UserStorage{db: db, logger: logger}
}

const userColumns = `id, username, email, hashed_password, language, timezone, role, active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.Language,
		&u.Timezone, &u.Role, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

// CreateUser inserts a new user and returns its id
func (s *UserStorage) CreateUser(ctx context.Context, user *models.User) (int64, error) {
	now := time.Now().UTC()
	if user.Language == "" {
		user.Language = "fr"
	}
	if user.Timezone == "" {
		user.Timezone = "Europe/Paris"
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	result, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO users (username, email, hashed_password, language, timezone, role, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.Email, user.HashedPassword, user.Language, user.Timezone,
		user.Role, boolToInt(user.Active), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get user id: %w", err)
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return id, nil
}

// GetUser retrieves a user by id
func (s *UserStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (s *UserStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return user, nil
}

// UpdateUser updates a user's mutable fields
func (s *UserStorage) UpdateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	result, err := s.db.DB().ExecContext(ctx,
		`UPDATE users SET username = ?, email = ?, hashed_password = ?, language = ?,
		 timezone = ?, role = ?, active = ?, updated_at = ? WHERE id = ?`,
		user.Username, user.Email, user.HashedPassword, user.Language, user.Timezone,
		user.Role, boolToInt(user.Active), now.Unix(), user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	user.UpdatedAt = now
	return nil
}

// DeleteUser removes a user; automations cascade
func (s *UserStorage) DeleteUser(ctx context.Context, id int64) error {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// ListUsers returns all users ordered by username
func (s *UserStorage) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
