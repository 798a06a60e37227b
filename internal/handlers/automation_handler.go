package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/dates"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/services/jobs"
)

// ScheduleReloader refreshes the cron schedule set after automation edits
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// AutomationHandler serves automations and their sources, exports and
// mappings. Every operation is scoped to the authenticated user.
type AutomationHandler struct {
	storage   interfaces.StorageManager
	jobs      *jobs.Service
	scheduler ScheduleReloader
	logger    arbor.ILogger
}

// NewAutomationHandler creates an automation handler. scheduler may be nil
// when the process does not run the cron scheduler.
func NewAutomationHandler(storage interfaces.StorageManager, jobService *jobs.Service, scheduler ScheduleReloader, logger arbor.ILogger) *AutomationHandler {
	return &AutomationHandler{storage: storage, jobs: jobService, scheduler: scheduler, logger: logger}
}

// owned resolves the automation under the caller's tenancy scope
func (h *AutomationHandler) owned(w http.ResponseWriter, r *http.Request) *models.Automation {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	user := UserFromContext(r.Context())
	automation, err := h.storage.Automations().GetAutomation(r.Context(), id, user.ID)
	if err != nil {
		writeServiceError(w, err)
		return nil
	}
	return automation
}

func (h *AutomationHandler) reloadSchedules(r *http.Request) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Reload(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to reload schedules")
	}
}

// List returns the caller's automations
func (h *AutomationHandler) List(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	automations, err := h.storage.Automations().ListAutomations(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, automations)
}

type automationRequest struct {
	Name         string `json:"name" validate:"required,max=128"`
	Description  string `json:"description"`
	Schedule     string `json:"schedule"`
	FromDateRule string `json:"from_date_rule"`
	Active       *bool  `json:"active"`
}

func (req *automationRequest) check() error {
	if req.FromDateRule == "" {
		return nil
	}
	if _, err := dates.FromDateRule(req.FromDateRule, time.Now()); err != nil {
		return err
	}
	return nil
}

// Create adds an automation for the caller
func (h *AutomationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req automationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := UserFromContext(r.Context())

	automation := &models.Automation{
		UserID:       user.ID,
		Name:         req.Name,
		Description:  req.Description,
		Schedule:     req.Schedule,
		FromDateRule: req.FromDateRule,
		Active:       req.Active == nil || *req.Active,
	}
	if _, err := h.storage.Automations().CreateAutomation(r.Context(), automation); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "automation.create", "automation", automation.ID, map[string]any{"name": automation.Name})
	h.reloadSchedules(r)
	writeJSON(w, http.StatusCreated, automation)
}

// Get returns one automation
func (h *AutomationHandler) Get(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	writeJSON(w, http.StatusOK, automation)
}

// Update modifies an automation
func (h *AutomationHandler) Update(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	var req automationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	automation.Name = req.Name
	automation.Description = req.Description
	automation.Schedule = req.Schedule
	automation.FromDateRule = req.FromDateRule
	if req.Active != nil {
		automation.Active = *req.Active
	}
	if err := h.storage.Automations().UpdateAutomation(r.Context(), automation); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "automation.update", "automation", automation.ID, nil)
	h.reloadSchedules(r)
	writeJSON(w, http.StatusOK, automation)
}

// Delete removes an automation and, by cascade, its sources, exports and jobs
func (h *AutomationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	user := UserFromContext(r.Context())
	if err := h.storage.Automations().DeleteAutomation(r.Context(), automation.ID, user.ID); err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "automation.delete", "automation", automation.ID, nil)
	h.reloadSchedules(r)
	w.WriteHeader(http.StatusNoContent)
}

type triggerRequest struct {
	FromDate   string `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	MaxResults int    `json:"max_results" validate:"omitempty,min=1,max=500"`
}

// Trigger starts a job for the automation
func (h *AutomationHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	user := UserFromContext(r.Context())
	job, err := h.jobs.Trigger(r.Context(), user.ID, id, jobs.TriggerOptions{
		FromDate:   req.FromDate,
		MaxResults: req.MaxResults,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	recordAudit(r, h.storage, h.logger, "job.trigger", "job", job.ID, map[string]any{"automation_id": id})
	writeJSON(w, http.StatusAccepted, job)
}

// --- Sources ---

// ListSources returns the automation's sources
func (h *AutomationHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	sources, err := h.storage.Automations().ListSources(r.Context(), automation.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

type sourceRequest struct {
	Name                 string         `json:"name" validate:"required,max=128"`
	Type                 string         `json:"type" validate:"required,oneof=FreeInvoice FreeMobileInvoice Mailbox"`
	EmailSenderFrom      string         `json:"email_sender_from"`
	EmailSubjectContains string         `json:"email_subject_contains"`
	ExtractionParams     map[string]any `json:"extraction_params"`
	MaxResults           int            `json:"max_results" validate:"omitempty,min=1,max=500"`
	Active               *bool          `json:"active"`
}

// CreateSource adds a source to the automation
func (h *AutomationHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := &models.Source{
		AutomationID:         automation.ID,
		Name:                 req.Name,
		Type:                 models.SourceType(req.Type),
		EmailSenderFrom:      req.EmailSenderFrom,
		EmailSubjectContains: req.EmailSubjectContains,
		ExtractionParams:     req.ExtractionParams,
		MaxResults:           req.MaxResults,
		Active:               req.Active == nil || *req.Active,
	}
	if _, err := h.storage.Automations().CreateSource(r.Context(), source); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, source)
}

// UpdateSource modifies a source of the automation
func (h *AutomationHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	source := h.ownedSource(w, r, automation)
	if source == nil {
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source.Name = req.Name
	source.Type = models.SourceType(req.Type)
	source.EmailSenderFrom = req.EmailSenderFrom
	source.EmailSubjectContains = req.EmailSubjectContains
	source.ExtractionParams = req.ExtractionParams
	if req.MaxResults > 0 {
		source.MaxResults = req.MaxResults
	}
	if req.Active != nil {
		source.Active = *req.Active
	}
	if err := h.storage.Automations().UpdateSource(r.Context(), source); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

// DeleteSource removes a source and its mappings
func (h *AutomationHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	source := h.ownedSource(w, r, automation)
	if source == nil {
		return
	}
	if err := h.storage.Automations().DeleteSource(r.Context(), source.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AutomationHandler) ownedSource(w http.ResponseWriter, r *http.Request, automation *models.Automation) *models.Source {
	id, err := pathID(r, "sourceID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	source, err := h.storage.Automations().GetSource(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return nil
	}
	if source.AutomationID != automation.ID {
		writeError(w, http.StatusNotFound, "not found")
		return nil
	}
	return source
}

// --- Exports ---

// ListExports returns the automation's exports
func (h *AutomationHandler) ListExports(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	exports, err := h.storage.Automations().ListExports(r.Context(), automation.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exports)
}

type exportRequest struct {
	Name          string         `json:"name" validate:"required,max=128"`
	Type          string         `json:"type" validate:"required,oneof=LocalStorage GoogleDrive Paheko"`
	Configuration map[string]any `json:"configuration"`
	Active        *bool          `json:"active"`
}

// CreateExport adds an export target to the automation
func (h *AutomationHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	export := &models.Export{
		AutomationID:  automation.ID,
		Name:          req.Name,
		Type:          models.ExportType(req.Type),
		Configuration: req.Configuration,
		Active:        req.Active == nil || *req.Active,
	}
	if _, err := h.storage.Automations().CreateExport(r.Context(), export); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, export)
}

// UpdateExport modifies an export of the automation
func (h *AutomationHandler) UpdateExport(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	export := h.ownedExport(w, r, automation)
	if export == nil {
		return
	}
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	export.Name = req.Name
	export.Type = models.ExportType(req.Type)
	export.Configuration = req.Configuration
	if req.Active != nil {
		export.Active = *req.Active
	}
	if err := h.storage.Automations().UpdateExport(r.Context(), export); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// DeleteExport removes an export. History rows keep their type with a NULL
// export id.
func (h *AutomationHandler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	export := h.ownedExport(w, r, automation)
	if export == nil {
		return
	}
	if err := h.storage.Automations().DeleteExport(r.Context(), export.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AutomationHandler) ownedExport(w http.ResponseWriter, r *http.Request, automation *models.Automation) *models.Export {
	id, err := pathID(r, "exportID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	export, err := h.storage.Automations().GetExport(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return nil
	}
	if export.AutomationID != automation.ID {
		writeError(w, http.StatusNotFound, "not found")
		return nil
	}
	return export
}

// --- Mappings ---

// ListMappings returns the automation's source to export routes
func (h *AutomationHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	mappings, err := h.storage.Automations().ListMappings(r.Context(), automation.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

type mappingRequest struct {
	SourceID int64 `json:"source_id" validate:"required,min=1"`
	ExportID int64 `json:"export_id" validate:"required,min=1"`
	Priority int   `json:"priority" validate:"omitempty,min=1"`
}

// CreateMapping routes a source to an export. Both ends must belong to the
// automation.
func (h *AutomationHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	var req mappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := h.storage.Automations().GetSource(r.Context(), req.SourceID)
	if err != nil || source.AutomationID != automation.ID {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	export, err := h.storage.Automations().GetExport(r.Context(), req.ExportID)
	if err != nil || export.AutomationID != automation.ID {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}

	mapping := &models.SourceExportMapping{
		SourceID: req.SourceID,
		ExportID: req.ExportID,
		Priority: req.Priority,
	}
	if _, err := h.storage.Automations().CreateMapping(r.Context(), mapping); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

// DeleteMapping removes a route
func (h *AutomationHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	automation := h.owned(w, r)
	if automation == nil {
		return
	}
	id, err := pathID(r, "mappingID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mappings, err := h.storage.Automations().ListMappings(r.Context(), automation.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	for _, m := range mappings {
		if m.ID == id {
			if err := h.storage.Automations().DeleteMapping(r.Context(), id); err != nil {
				writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}
