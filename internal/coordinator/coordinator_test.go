package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/exports"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/storage/sqlite"
)

// recordingBus captures published events; stream and consumer registration
// are no-ops.
type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(map[string][][]byte)}
}

func (b *recordingBus) EnsureStream(ctx context.Context, stream string, subjects []string) error {
	return nil
}
func (b *recordingBus) EnsureConsumer(ctx context.Context, stream, consumer, filter string) error {
	return nil
}
func (b *recordingBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], payload)
	return nil
}
func (b *recordingBus) SubscribeDurable(ctx context.Context, stream, consumer string, handler interfaces.MessageHandler) error {
	return nil
}
func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[subject])
}

// fakeSourceRunner returns canned invoices or errors per source name
type fakeSourceRunner struct {
	invoices map[string][]*models.Invoice
	errs     map[string]error
	onRun    func(source *models.Source)
}

func (f *fakeSourceRunner) Run(ctx context.Context, source *models.Source, fromDate time.Time, maxResults int) ([]*models.Invoice, error) {
	if f.onRun != nil {
		f.onRun(source)
	}
	if err, ok := f.errs[source.Name]; ok {
		return nil, err
	}
	return f.invoices[source.Name], nil
}

// countingHandler records export attempts and returns a fixed result
type countingHandler struct {
	mu      sync.Mutex
	calls   int
	results []interfaces.ExportResult
	delay   time.Duration
}

func (h *countingHandler) Export(ctx context.Context, invoice *models.Invoice, tmplContext map[string]string) interfaces.ExportResult {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.results) > 0 {
		r := h.results[0]
		if len(h.results) > 1 {
			h.results = h.results[1:]
		}
		return r
	}
	return interfaces.ExportResult{Status: models.ExportStatusSuccess, ExternalReference: "ref"}
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	storage *sqlite.Manager
	bus     *recordingBus
	runner  *fakeSourceRunner
	handler *countingHandler
	coord   *Coordinator

	user       *models.User
	automation *models.Automation
	source     *models.Source
	export     *models.Export
	job        *models.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	f := &fixture{
		storage: storage,
		bus:     newRecordingBus(),
		runner:  &fakeSourceRunner{invoices: map[string][]*models.Invoice{}, errs: map[string]error{}},
		handler: &countingHandler{},
	}

	registry := exports.NewRegistry(logger)
	registry.Register(models.ExportTypeLocalStorage, func(export *models.Export) (interfaces.ExportHandler, error) {
		return f.handler, nil
	})

	config := common.NewDefaultConfig()
	f.coord = New(logger, storage, f.bus, f.runner, registry, config)

	ctx := context.Background()
	f.user = &models.User{Username: "alice", Email: "alice@example.org", HashedPassword: "x", Active: true}
	_, err = storage.Users().CreateUser(ctx, f.user)
	require.NoError(t, err)

	f.automation = &models.Automation{UserID: f.user.ID, Name: "factures", Active: true}
	_, err = storage.Automations().CreateAutomation(ctx, f.automation)
	require.NoError(t, err)

	f.source = &models.Source{AutomationID: f.automation.ID, Name: "freebox", Type: models.SourceTypeFreeInvoice, Active: true, MaxResults: 30}
	_, err = storage.Automations().CreateSource(ctx, f.source)
	require.NoError(t, err)

	f.export = &models.Export{AutomationID: f.automation.ID, Name: "disque", Type: models.ExportTypeLocalStorage, Configuration: map[string]any{}, Active: true}
	_, err = storage.Automations().CreateExport(ctx, f.export)
	require.NoError(t, err)

	_, err = storage.Automations().CreateMapping(ctx, &models.SourceExportMapping{SourceID: f.source.ID, ExportID: f.export.ID, Priority: 1})
	require.NoError(t, err)

	f.job = &models.Job{AutomationID: f.automation.ID, FromDate: "2025-01-01"}
	_, err = storage.Jobs().CreateJob(ctx, f.job)
	require.NoError(t, err)

	return f
}

func (f *fixture) event() *models.JobStartedEvent {
	return &models.JobStartedEvent{
		JobID:        f.job.ID,
		AutomationID: f.automation.ID,
		UserID:       f.user.ID,
		StartedAt:    time.Now().UTC(),
		FromDate:     "2025-01-01",
	}
}

func testInvoices() []*models.Invoice {
	return []*models.Invoice{
		{Date: "2025-02-01", InvoiceID: "INV-1", AmountEUR: 39.99, Source: "Free"},
		{Date: "2025-03-01", InvoiceID: "INV-2", AmountEUR: 39.99, Source: "Free"},
	}
}

func TestHandleJobStarted_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.runner.invoices["freebox"] = testInvoices()
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Stats)
	assert.Equal(t, 1, job.Stats.SourcesExecuted)
	assert.Equal(t, 0, job.Stats.SourcesFailed)
	assert.Equal(t, 2, job.Stats.InvoicesExtracted)
	assert.Equal(t, 2, job.Stats.ExportsCompleted)
	assert.Equal(t, 0, job.Stats.ExportsFailed)

	history, err := f.storage.History().ListExportHistory(ctx, f.job.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ExportStatusSuccess, history[0].Status)
	assert.Equal(t, "2025-02-01", history[0].Context["date"])

	assert.Equal(t, 1, f.bus.count(models.SubjectJobCompleted))
	assert.Equal(t, 0, f.bus.count(models.SubjectJobFailed))
}

func TestHandleJobStarted_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.runner.invoices["freebox"] = testInvoices()
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))
	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	// The redelivery must not run exports or publish again
	assert.Equal(t, 2, f.handler.callCount())
	assert.Equal(t, 1, f.bus.count(models.SubjectJobCompleted))

	history, err := f.storage.History().ListExportHistory(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHandleJobStarted_TenancyMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.User{Username: "mallory", Email: "m@example.org", HashedPassword: "x", Active: true}
	_, err := f.storage.Users().CreateUser(ctx, other)
	require.NoError(t, err)

	event := f.event()
	event.UserID = other.ID
	require.NoError(t, f.coord.handleJobStarted(ctx, event))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrReasonAutomationNotFound, job.ErrorMessage)
	assert.Equal(t, 1, f.bus.count(models.SubjectJobFailed))
	assert.Equal(t, 0, f.handler.callCount())
}

func TestHandleJobStarted_EmptyPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Deactivate the only export: sources remain but route nowhere
	f.export.Active = false
	require.NoError(t, f.storage.Automations().UpdateExport(ctx, f.export))

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrReasonEmptyPipeline, job.ErrorMessage)
}

func TestHandleJobStarted_AllSourcesFailed(t *testing.T) {
	f := newFixture(t)
	f.runner.errs["freebox"] = assert.AnError
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrReasonAllSourcesFailed, job.ErrorMessage)
	require.NotNil(t, job.Stats)
	assert.Equal(t, 1, job.Stats.SourcesFailed)
	assert.Equal(t, 1, f.bus.count(models.SubjectJobFailed))
}

func TestHandleJobStarted_PartialSourceFailureCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second := &models.Source{AutomationID: f.automation.ID, Name: "mobile", Type: models.SourceTypeFreeMobileInvoice, Active: true, MaxResults: 30}
	_, err := f.storage.Automations().CreateSource(ctx, second)
	require.NoError(t, err)
	_, err = f.storage.Automations().CreateMapping(ctx, &models.SourceExportMapping{SourceID: second.ID, ExportID: f.export.ID, Priority: 1})
	require.NoError(t, err)

	f.runner.invoices["freebox"] = testInvoices()
	f.runner.errs["mobile"] = assert.AnError

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Stats.SourcesExecuted)
	assert.Equal(t, 1, job.Stats.SourcesFailed)
	assert.Equal(t, 2, job.Stats.InvoicesExtracted)
}

func TestHandleJobStarted_FailedExportRecorded(t *testing.T) {
	f := newFixture(t)
	f.runner.invoices["freebox"] = testInvoices()[:1]
	f.handler.results = []interfaces.ExportResult{
		{Status: models.ExportStatusFailed, ErrorMessage: "sink unreachable"},
	}
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	// Export failures degrade stats but do not fail the job
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.Stats.ExportsCompleted)
	assert.Equal(t, 1, job.Stats.ExportsFailed)

	history, err := f.storage.History().ListExportHistory(ctx, f.job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ExportStatusFailed, history[0].Status)
	assert.Equal(t, "sink unreachable", history[0].ErrorMessage)
}

func TestHandleJobStarted_DuplicateSkippedCountsCompleted(t *testing.T) {
	f := newFixture(t)
	f.runner.invoices["freebox"] = testInvoices()[:1]
	f.handler.results = []interfaces.ExportResult{
		{Status: models.ExportStatusDuplicateSkipped, ExternalReference: "existing"},
	}
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Stats.ExportsCompleted)

	history, err := f.storage.History().ListExportHistory(ctx, f.job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ExportStatusDuplicateSkipped, history[0].Status)
}

func TestHandleJobStarted_UnroutedInvoicesCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unrouted := &models.Source{AutomationID: f.automation.ID, Name: "orphan", Type: models.SourceTypeMailbox, Active: true, MaxResults: 30}
	_, err := f.storage.Automations().CreateSource(ctx, unrouted)
	require.NoError(t, err)

	f.runner.invoices["freebox"] = testInvoices()[:1]
	f.runner.invoices["orphan"] = testInvoices()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Stats.InvoicesExtracted)
	assert.Equal(t, 2, job.Stats.InvoicesUnrouted)
	assert.Equal(t, 1, job.Stats.ExportsCompleted)
}

func TestHandleJobStarted_CancelledMidRunStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Cancel through the API path while the source is running
	f.runner.onRun = func(source *models.Source) {
		_, err := f.storage.Jobs().MarkCancelled(ctx, f.job.ID, time.Now())
		require.NoError(t, err)
	}
	f.runner.invoices["freebox"] = testInvoices()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	// No exports ran and no terminal event was published by the coordinator
	assert.Equal(t, 0, f.handler.callCount())
	assert.Equal(t, 0, f.bus.count(models.SubjectJobCompleted))
	assert.Equal(t, 0, f.bus.count(models.SubjectJobFailed))
}

func TestHandleJobStarted_DeadlineExpiryFailsWithTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A single slow export outlives the whole job deadline. The in-flight
	// handler call completes and keeps its audit row, but the job must
	// finalize as failed with Timeout rather than completed.
	f.coord.config.Jobs.Deadline = "50ms"
	f.handler.delay = 300 * time.Millisecond
	f.runner.invoices["freebox"] = testInvoices()[:1]

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrReasonTimeout, job.ErrorMessage)
	assert.Equal(t, 1, f.bus.count(models.SubjectJobFailed))
	assert.Equal(t, 0, f.bus.count(models.SubjectJobCompleted))

	assert.Equal(t, 1, f.handler.callCount())
	history, err := f.storage.History().ListExportHistory(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHandleJobStarted_CancelledBeforeClaimAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.storage.Jobs().MarkCancelled(ctx, f.job.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	job, err := f.storage.Jobs().GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, f.handler.callCount())
}

func TestHandleMessage_UndecodableEventAcked(t *testing.T) {
	f := newFixture(t)
	err := f.coord.handleMessage(context.Background(), models.SubjectJobStarted, []byte("not json"))
	assert.NoError(t, err)
}

func TestHandleJobStarted_CompletedEventCarriesStats(t *testing.T) {
	f := newFixture(t)
	f.runner.invoices["freebox"] = testInvoices()
	ctx := context.Background()

	require.NoError(t, f.coord.handleJobStarted(ctx, f.event()))

	f.bus.mu.Lock()
	payloads := f.bus.published[models.SubjectJobCompleted]
	f.bus.mu.Unlock()
	require.Len(t, payloads, 1)

	var event models.JobCompletedEvent
	require.NoError(t, json.Unmarshal(payloads[0], &event))
	assert.Equal(t, f.job.ID, event.JobID)
	require.NotNil(t, event.Stats)
	assert.Equal(t, 2, event.Stats.InvoicesExtracted)
}
