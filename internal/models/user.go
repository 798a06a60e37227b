package models

import "time"

// UserRole controls access to admin endpoints
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// User represents an account owning automations. Tenancy is enforced by
// filtering every automation lookup on the user id.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	Language       string    `json:"language"`
	Timezone       string    `json:"timezone"`
	Role           UserRole  `json:"role"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user may manage other users
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
