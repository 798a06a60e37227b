package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/dates"
	"github.com/ternarybob/fakturenn/internal/exports"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// errCancelled aborts a run when the API has moved the job to cancelled
var errCancelled = errors.New("job cancelled")

// jobRun is the resolved pipeline for one job: the active sources, and for
// each of them the active exports in attempt order.
type jobRun struct {
	automation *models.Automation
	sources    []*models.Source
	// routes maps source id to its ordered export definitions; a source with
	// no entry produces unrouted invoices.
	routes   map[int64][]*models.Export
	fromDate time.Time
}

func (r *jobRun) empty() bool {
	if len(r.sources) == 0 {
		return true
	}
	for _, s := range r.sources {
		if len(r.routes[s.ID]) > 0 {
			return false
		}
	}
	return true
}

// buildRun resolves the automation's pipeline at claim time. Later edits to
// the automation do not affect a running job.
func (c *Coordinator) buildRun(ctx context.Context, event *models.JobStartedEvent, automation *models.Automation) (*jobRun, error) {
	sources, err := c.storage.Automations().ListActiveSources(ctx, automation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %v", err)
	}
	activeExports, err := c.storage.Automations().ListActiveExports(ctx, automation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %v", err)
	}
	exportsByID := make(map[int64]*models.Export, len(activeExports))
	for _, e := range activeExports {
		exportsByID[e.ID] = e
	}

	routes := make(map[int64][]*models.Export)
	for _, src := range sources {
		mappings, err := c.storage.Automations().ListMappingsForSource(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list mappings: %v", err)
		}
		sort.SliceStable(mappings, func(i, j int) bool {
			return mappings[i].Priority < mappings[j].Priority
		})
		for _, m := range mappings {
			if e, ok := exportsByID[m.ExportID]; ok {
				routes[src.ID] = append(routes[src.ID], e)
			}
		}
	}

	fromDate, err := c.resolveFromDate(event, automation)
	if err != nil {
		return nil, err
	}

	return &jobRun{
		automation: automation,
		sources:    sources,
		routes:     routes,
		fromDate:   fromDate,
	}, nil
}

// resolveFromDate picks the job's lower date bound: an explicit from_date on
// the trigger wins over the automation's from_date_rule.
func (c *Coordinator) resolveFromDate(event *models.JobStartedEvent, automation *models.Automation) (time.Time, error) {
	if event.FromDate != "" {
		d, err := time.Parse("2006-01-02", event.FromDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid from_date %q", event.FromDate)
		}
		return d, nil
	}
	rule := automation.FromDateRule
	if rule == "" {
		rule = "current_month"
	}
	d, err := dates.FromDateRule(rule, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid from_date_rule %q: %v", rule, err)
	}
	return d, nil
}

type sourceResult struct {
	source   *models.Source
	invoices []*models.Invoice
	err      error
}

// executeRun fetches from every source and exports the results. Source runs
// are concurrent within a bound; exports for one invoice stay sequential in
// priority order. Cancellation is checked at the safe points between phases.
func (c *Coordinator) executeRun(ctx context.Context, log arbor.ILogger, event *models.JobStartedEvent, run *jobRun) (*models.JobStats, error) {
	stats := &models.JobStats{}

	results, err := c.runSources(ctx, log, event, run)
	if err != nil {
		return stats, err
	}

	failedSources := 0
	for _, res := range results {
		stats.SourcesExecuted++
		if res.err != nil {
			stats.SourcesFailed++
			failedSources++
			log.Warn().Err(res.err).Str("source", res.source.Name).Msg("Source run failed")
			continue
		}
		stats.InvoicesExtracted += len(res.invoices)
	}
	if failedSources == len(results) && len(results) > 0 {
		return stats, errors.New(models.ErrReasonAllSourcesFailed)
	}

	// Safe point before side effects begin
	if err := c.checkAlive(ctx, event.JobID); err != nil {
		return stats, err
	}

	for _, res := range results {
		if res.err != nil {
			continue
		}
		targets := run.routes[res.source.ID]
		if len(targets) == 0 {
			stats.InvoicesUnrouted += len(res.invoices)
			if len(res.invoices) > 0 {
				log.Warn().
					Str("source", res.source.Name).
					Int("invoices", len(res.invoices)).
					Msg("Source has no export routes, invoices unrouted")
			}
			continue
		}
		for _, invoice := range res.invoices {
			// Safe point between invoices; never between the exports of one
			if err := c.checkAlive(ctx, event.JobID); err != nil {
				return stats, err
			}
			c.exportInvoice(ctx, log, event.JobID, invoice, targets, stats)
		}
	}

	// The deadline may have expired while the last invoice's exports drained;
	// a job that outlived it must finalize as Timeout, not completed
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	return stats, nil
}

// runSources executes every source with a bounded fan-out
func (c *Coordinator) runSources(ctx context.Context, log arbor.ILogger, event *models.JobStartedEvent, run *jobRun) ([]*sourceResult, error) {
	concurrency := c.config.Jobs.SourceConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	sem := make(chan struct{}, concurrency)
	results := make([]*sourceResult, len(run.sources))
	var wg sync.WaitGroup
	for i, src := range run.sources {
		wg.Add(1)
		go func(i int, src *models.Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			invoices, err := c.sources.Run(ctx, src, run.fromDate, event.MaxResults)
			results[i] = &sourceResult{source: src, invoices: invoices, err: err}
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkAlive(ctx, event.JobID); err != nil {
		return nil, err
	}
	return results, nil
}

// exportInvoice attempts every routed export for one invoice, writing exactly
// one history row per attempt. A failed export does not stop the remaining
// exports of the same invoice.
func (c *Coordinator) exportInvoice(ctx context.Context, log arbor.ILogger, jobID int64, invoice *models.Invoice, targets []*models.Export, stats *models.JobStats) {
	tmplContext, err := exports.BuildContext(invoice)
	if err != nil {
		// Without a usable context no handler can run; one failed row per
		// routed export keeps the audit trail complete
		for _, target := range targets {
			c.recordHistory(ctx, log, jobID, target, &interfaces.ExportResult{
				Status:       models.ExportStatusFailed,
				ErrorMessage: err.Error(),
			}, nil)
			stats.ExportsFailed++
		}
		return
	}

	for _, target := range targets {
		handler, err := c.registry.Handler(target)
		var result interfaces.ExportResult
		if err != nil {
			result = interfaces.ExportResult{
				Status:       models.ExportStatusFailed,
				ErrorMessage: err.Error(),
			}
		} else {
			result = handler.Export(ctx, invoice, tmplContext)
		}

		c.recordHistory(ctx, log, jobID, target, &result, tmplContext)
		switch result.Status {
		case models.ExportStatusSuccess, models.ExportStatusDuplicateSkipped:
			stats.ExportsCompleted++
		default:
			stats.ExportsFailed++
		}
	}
}

// recordHistory appends the audit row for one export attempt
func (c *Coordinator) recordHistory(ctx context.Context, log arbor.ILogger, jobID int64, target *models.Export, result *interfaces.ExportResult, tmplContext map[string]string) {
	historyContext := make(map[string]any, len(tmplContext))
	for k, v := range tmplContext {
		historyContext[k] = v
	}
	exportID := target.ID
	// Handler results arriving after the job deadline still get their audit
	// row, so the insert must survive the expired job context
	_, err := c.storage.History().CreateExportHistory(context.WithoutCancel(ctx), &models.ExportHistory{
		JobID:             jobID,
		ExportID:          &exportID,
		ExportType:        target.Type,
		Status:            result.Status,
		ExportedAt:        time.Now().UTC(),
		ExternalReference: result.ExternalReference,
		ErrorMessage:      result.ErrorMessage,
		Context:           historyContext,
	})
	if err != nil {
		log.Error().Err(err).Int64("export_id", target.ID).Msg("Failed to record export history")
	}
}

// checkAlive is the cancellation/deadline safe point. It surfaces the
// deadline first, then the API-driven cancelled status.
func (c *Coordinator) checkAlive(ctx context.Context, jobID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := c.storage.Jobs().GetJobStatus(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}
	if status == models.JobStatusCancelled {
		return errCancelled
	}
	return nil
}
