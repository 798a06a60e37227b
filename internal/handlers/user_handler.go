package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/services/auth"
)

// UserHandler serves account management. Everything except Me requires the
// admin role.
type UserHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewUserHandler creates a user handler
func NewUserHandler(storage interfaces.StorageManager, logger arbor.ILogger) *UserHandler {
	return &UserHandler{storage: storage, logger: logger}
}

func (h *UserHandler) requireAdmin(w http.ResponseWriter, r *http.Request) *models.User {
	user := UserFromContext(r.Context())
	if user == nil || !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return nil
	}
	return user
}

// Me returns the authenticated user's own account
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserFromContext(r.Context()))
}

// List returns every account
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	users, err := h.storage.Users().ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Language string `json:"language"`
	Timezone string `json:"timezone"`
	Role     string `json:"role" validate:"omitempty,oneof=admin user"`
}

// Create adds an account
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user := &models.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hash,
		Language:       req.Language,
		Timezone:       req.Timezone,
		Role:           models.UserRole(req.Role),
		Active:         true,
	}
	if _, err := h.storage.Users().CreateUser(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "user.create", "user", user.ID, map[string]any{"username": user.Username})
	writeJSON(w, http.StatusCreated, user)
}

// Get returns one account
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.storage.Users().GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"omitempty,min=8"`
	Language string `json:"language"`
	Timezone string `json:"timezone"`
	Role     string `json:"role" validate:"omitempty,oneof=admin user"`
	Active   *bool  `json:"active"`
}

// Update modifies an account. Username is immutable.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.storage.Users().GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Email != "" {
		user.Email = req.Email
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		user.HashedPassword = hash
	}
	if req.Language != "" {
		user.Language = req.Language
	}
	if req.Timezone != "" {
		user.Timezone = req.Timezone
	}
	if req.Role != "" {
		user.Role = models.UserRole(req.Role)
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if err := h.storage.Users().UpdateUser(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "user.update", "user", user.ID, nil)
	writeJSON(w, http.StatusOK, user)
}

// Delete removes an account and, by cascade, its automations and jobs
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	admin := h.requireAdmin(w, r)
	if admin == nil {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id == admin.ID {
		writeError(w, http.StatusConflict, "cannot delete own account")
		return
	}
	if err := h.storage.Users().DeleteUser(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "user.delete", "user", id, nil)
	w.WriteHeader(http.StatusNoContent)
}
