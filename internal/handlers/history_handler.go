package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/services/jobs"
)

// HistoryHandler serves the export audit trail
type HistoryHandler struct {
	storage interfaces.StorageManager
	jobs    *jobs.Service
	logger  arbor.ILogger
}

// NewHistoryHandler creates a history handler
func NewHistoryHandler(storage interfaces.StorageManager, jobService *jobs.Service, logger arbor.ILogger) *HistoryHandler {
	return &HistoryHandler{storage: storage, jobs: jobService, logger: logger}
}

// ListForJob returns every export attempt of one job in attempt order
func (h *HistoryHandler) ListForJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := UserFromContext(r.Context())
	// Tenancy rides on the job lookup
	if _, err := h.jobs.Get(r.Context(), user.ID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	history, err := h.storage.History().ListExportHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// List returns the caller's export attempts across all automations, newest
// first
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	user := UserFromContext(r.Context())
	history, err := h.storage.History().ListExportHistoryByUser(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
