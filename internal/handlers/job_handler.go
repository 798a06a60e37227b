package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/services/jobs"
)

// JobHandler serves job inspection and cancellation
type JobHandler struct {
	jobs   *jobs.Service
	logger arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{jobs: jobService, logger: logger}
}

// Get returns one job owned by the caller
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := UserFromContext(r.Context())
	job, err := h.jobs.Get(r.Context(), user.ID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List returns the caller's jobs, optionally filtered by automation and status
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	user := UserFromContext(r.Context())

	if automationID := int64(queryInt(r, "automation_id", 0)); automationID > 0 {
		list, err := h.jobs.List(r.Context(), user.ID, automationID, status, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	list, err := h.jobs.ListForUser(r.Context(), user.ID, status, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListForAutomation returns the jobs of one automation, newest first
func (h *JobHandler) ListForAutomation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := models.JobStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	user := UserFromContext(r.Context())
	list, err := h.jobs.List(r.Context(), user.ID, id, status, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Cancel moves a pending or running job to cancelled. Terminal jobs return
// 409; the coordinator observes the status at its next safe point.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := UserFromContext(r.Context())
	job, err := h.jobs.Cancel(r.Context(), user.ID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info().Int64("job_id", id).Int64("user_id", user.ID).Msg("Job cancelled via API")
	writeJSON(w, http.StatusOK, job)
}
