// Package jobs owns job triggering and cancellation. Both the API and the
// scheduler go through this service, so every job enters the system the same
// way: one pending row plus one job.started event.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// ErrNotCancellable is returned when a job is already terminal
var ErrNotCancellable = errors.New("job is not pending or running")

// Service triggers and cancels jobs
type Service struct {
	logger  arbor.ILogger
	storage interfaces.StorageManager
	bus     interfaces.MessageBus
}

// NewService creates a job service
func NewService(logger arbor.ILogger, storage interfaces.StorageManager, msgBus interfaces.MessageBus) *Service {
	return &Service{logger: logger, storage: storage, bus: msgBus}
}

// TriggerOptions carries the optional per-trigger overrides
type TriggerOptions struct {
	FromDate   string // YYYY-MM-DD, empty means the automation's rule applies
	MaxResults int
}

// Trigger creates a pending job for an automation owned by userID and
// publishes its job.started event. The job row is written first; a publish
// failure fails the job row so no orphaned pending job survives.
func (s *Service) Trigger(ctx context.Context, userID, automationID int64, opts TriggerOptions) (*models.Job, error) {
	automation, err := s.storage.Automations().GetAutomation(ctx, automationID, userID)
	if err != nil {
		return nil, err
	}
	if opts.FromDate != "" {
		if _, err := time.Parse("2006-01-02", opts.FromDate); err != nil {
			return nil, fmt.Errorf("invalid from_date %q: expected YYYY-MM-DD", opts.FromDate)
		}
	}

	job := &models.Job{
		AutomationID: automation.ID,
		Status:       models.JobStatusPending,
		FromDate:     opts.FromDate,
		MaxResults:   opts.MaxResults,
	}
	if _, err := s.storage.Jobs().CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	payload, err := json.Marshal(&models.JobStartedEvent{
		JobID:        job.ID,
		AutomationID: automation.ID,
		UserID:       userID,
		StartedAt:    time.Now().UTC(),
		FromDate:     opts.FromDate,
		MaxResults:   opts.MaxResults,
	})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, models.SubjectJobStarted, payload); err != nil {
		// The event never reached the bus, so the job can never run
		if _, markErr := s.storage.Jobs().MarkFailed(ctx, job.ID, fmt.Sprintf("failed to publish start event: %v", err), time.Now()); markErr != nil {
			s.logger.Error().Err(markErr).Int64("job_id", job.ID).Msg("Failed to fail unpublished job")
		}
		return nil, fmt.Errorf("failed to publish job start: %w", err)
	}

	s.logger.Info().
		Int64("job_id", job.ID).
		Int64("automation_id", automation.ID).
		Msg("Job triggered")
	return job, nil
}

// Cancel moves a pending or running job to cancelled. The coordinator
// observes the status at its next safe point and stops.
func (s *Service) Cancel(ctx context.Context, userID, jobID int64) (*models.Job, error) {
	job, err := s.storage.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Tenancy: the job's automation must belong to the caller
	if _, err := s.storage.Automations().GetAutomation(ctx, job.AutomationID, userID); err != nil {
		return nil, interfaces.ErrNotFound
	}

	moved, err := s.storage.Jobs().MarkCancelled(ctx, jobID, time.Now())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrNotCancellable
	}

	s.logger.Info().Int64("job_id", jobID).Msg("Job cancelled")
	return s.storage.Jobs().GetJob(ctx, jobID)
}

// Get returns a job owned by userID
func (s *Service) Get(ctx context.Context, userID, jobID int64) (*models.Job, error) {
	job, err := s.storage.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.storage.Automations().GetAutomation(ctx, job.AutomationID, userID); err != nil {
		return nil, interfaces.ErrNotFound
	}
	return job, nil
}

// List returns the jobs of one automation owned by userID
func (s *Service) List(ctx context.Context, userID, automationID int64, status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	if _, err := s.storage.Automations().GetAutomation(ctx, automationID, userID); err != nil {
		return nil, err
	}
	return s.storage.Jobs().ListJobs(ctx, automationID, status, limit, offset)
}

// ListForUser returns the user's jobs across all automations, newest first
func (s *Service) ListForUser(ctx context.Context, userID int64, status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	automations, err := s.storage.Automations().ListAutomations(ctx, userID)
	if err != nil {
		return nil, err
	}

	var all []*models.Job
	for _, a := range automations {
		list, err := s.storage.Jobs().ListJobs(ctx, a.ID, status, limit+offset, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if offset >= len(all) {
		return []*models.Job{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
