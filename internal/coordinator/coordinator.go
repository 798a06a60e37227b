// Package coordinator drives job execution. It consumes job.started events
// from the durable bus, runs the automation's pipeline, and finalizes the job
// row exactly once whatever combination of redeliveries, cancellation and
// deadline expiry occurs.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/exports"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// ConsumerName is the durable consumer identity shared by every coordinator
// process; the bus delivers each job.started event to exactly one of them.
const ConsumerName = "coordinator"

// Coordinator consumes job lifecycle events and executes jobs
type Coordinator struct {
	logger   arbor.ILogger
	storage  interfaces.StorageManager
	bus      interfaces.MessageBus
	sources  interfaces.SourceRunner
	registry *exports.Registry
	config   *common.Config
}

// New creates a coordinator
func New(logger arbor.ILogger, storage interfaces.StorageManager, msgBus interfaces.MessageBus, sources interfaces.SourceRunner, registry *exports.Registry, config *common.Config) *Coordinator {
	return &Coordinator{
		logger:   logger,
		storage:  storage,
		bus:      msgBus,
		sources:  sources,
		registry: registry,
		config:   config,
	}
}

// Start registers the jobs stream and blocks consuming job.started events
// until ctx is cancelled
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.EnsureStream(ctx, models.StreamJobs, []string{"job.*"}); err != nil {
		return fmt.Errorf("failed to ensure jobs stream: %w", err)
	}
	if err := c.bus.EnsureConsumer(ctx, models.StreamJobs, ConsumerName, models.SubjectJobStarted); err != nil {
		return fmt.Errorf("failed to ensure coordinator consumer: %w", err)
	}
	c.logger.Info().Msg("Job coordinator started")
	err := c.bus.SubscribeDurable(ctx, models.StreamJobs, ConsumerName, c.handleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleMessage dispatches one bus message. A non-nil return naks the message
// for redelivery, so errors are only returned while the job row is still
// untouched; once the job is claimed every failure finalizes the row instead.
func (c *Coordinator) handleMessage(ctx context.Context, subject string, payload []byte) error {
	if subject != models.SubjectJobStarted {
		return nil
	}
	var event models.JobStartedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Error().Err(err).Msg("Dropping undecodable job.started event")
		return nil
	}
	return c.handleJobStarted(ctx, &event)
}

func (c *Coordinator) handleJobStarted(ctx context.Context, event *models.JobStartedEvent) error {
	log := c.logger.WithCorrelationId(fmt.Sprintf("job-%d", event.JobID))

	// Claim the job. Losing the CAS means a previous delivery already ran it,
	// or the API cancelled it while pending; either way this delivery acks.
	claimed, err := c.storage.Jobs().MarkRunning(ctx, event.JobID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim job %d: %w", event.JobID, err)
	}
	if !claimed {
		status, err := c.storage.Jobs().GetJobStatus(ctx, event.JobID)
		if errors.Is(err, interfaces.ErrNotFound) {
			log.Warn().Msg("Event references a deleted job, acking")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Str("status", string(status)).Msg("Job already claimed, acking redelivery")
		return nil
	}

	log.Info().
		Int64("automation_id", event.AutomationID).
		Str("from_date", event.FromDate).
		Msg("Job claimed")

	// Tenancy check: the automation must exist under the triggering user
	automation, err := c.storage.Automations().GetAutomation(ctx, event.AutomationID, event.UserID)
	if errors.Is(err, interfaces.ErrNotFound) {
		c.finalizeFailed(ctx, log, event, models.ErrReasonAutomationNotFound, nil)
		return nil
	}
	if err != nil {
		c.finalizeFailed(ctx, log, event, fmt.Sprintf("failed to load automation: %v", err), nil)
		return nil
	}

	run, err := c.buildRun(ctx, event, automation)
	if err != nil {
		c.finalizeFailed(ctx, log, event, err.Error(), nil)
		return nil
	}
	if run.empty() {
		c.finalizeFailed(ctx, log, event, models.ErrReasonEmptyPipeline, nil)
		return nil
	}

	// Per-job deadline
	deadline := c.jobDeadline()
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()
	stats, runErr := c.executeRun(jobCtx, log, event, run)
	stats.DurationSeconds = int(time.Since(started).Seconds())

	switch {
	case errors.Is(runErr, errCancelled):
		// The API moved the row to cancelled; nothing left to finalize
		log.Info().Msg("Job cancelled, stopping")
		return nil
	case errors.Is(runErr, context.DeadlineExceeded):
		c.finalizeFailed(ctx, log, event, models.ErrReasonTimeout, stats)
		return nil
	case runErr != nil:
		c.finalizeFailed(ctx, log, event, runErr.Error(), stats)
		return nil
	}

	c.finalizeCompleted(ctx, log, event, stats)
	return nil
}

func (c *Coordinator) jobDeadline() time.Duration {
	if c.config != nil && c.config.Jobs.Deadline != "" {
		if d, err := time.ParseDuration(c.config.Jobs.Deadline); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Minute
}

// finalizeFailed moves the job to failed and publishes job.failed. The CAS
// losing means the API cancelled the job first; the event is then skipped.
func (c *Coordinator) finalizeFailed(ctx context.Context, log arbor.ILogger, event *models.JobStartedEvent, reason string, stats *models.JobStats) {
	moved, err := c.storage.Jobs().MarkFailed(ctx, event.JobID, reason, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to finalize job as failed")
		return
	}
	if !moved {
		log.Info().Msg("Job no longer running, skipping failed finalize")
		return
	}
	log.Warn().Str("reason", reason).Msg("Job failed")

	payload, err := json.Marshal(&models.JobFailedEvent{
		JobID:        event.JobID,
		AutomationID: event.AutomationID,
		UserID:       event.UserID,
		FailedAt:     time.Now().UTC(),
		ErrorMessage: reason,
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, models.SubjectJobFailed, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to publish job.failed event")
	}
}

// finalizeCompleted moves the job to completed and publishes job.completed
func (c *Coordinator) finalizeCompleted(ctx context.Context, log arbor.ILogger, event *models.JobStartedEvent, stats *models.JobStats) {
	moved, err := c.storage.Jobs().MarkCompleted(ctx, event.JobID, stats, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to finalize job as completed")
		return
	}
	if !moved {
		log.Info().Msg("Job no longer running, skipping completed finalize")
		return
	}
	log.Info().
		Int("invoices", stats.InvoicesExtracted).
		Int("exports_completed", stats.ExportsCompleted).
		Int("exports_failed", stats.ExportsFailed).
		Msg("Job completed")

	payload, err := json.Marshal(&models.JobCompletedEvent{
		JobID:        event.JobID,
		AutomationID: event.AutomationID,
		UserID:       event.UserID,
		CompletedAt:  time.Now().UTC(),
		Stats:        stats,
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, models.SubjectJobCompleted, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to publish job.completed event")
	}
}
