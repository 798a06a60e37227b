package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/storage/sqlite"
)

type recordingBus struct {
	mu        sync.Mutex
	published []publishedMessage
	failNext  error
}

type publishedMessage struct {
	subject string
	payload []byte
}

func (b *recordingBus) EnsureStream(ctx context.Context, stream string, subjects []string) error {
	return nil
}

func (b *recordingBus) EnsureConsumer(ctx context.Context, stream, consumer, filterSubject string) error {
	return nil
}

func (b *recordingBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.published = append(b.published, publishedMessage{subject: subject, payload: payload})
	return nil
}

func (b *recordingBus) SubscribeDurable(ctx context.Context, stream, consumer string, handler interfaces.MessageHandler) error {
	return nil
}

func (b *recordingBus) Close() error { return nil }

func newTestService(t *testing.T) (*Service, *recordingBus, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   8,
		BusyTimeoutMS: 1000,
		WALMode:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	bus := &recordingBus{}
	return NewService(logger, storage, bus), bus, storage
}

func seedAutomation(t *testing.T, storage interfaces.StorageManager) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Username: "alice", Email: "alice@example.com", HashedPassword: "x"}
	_, err := storage.Users().CreateUser(ctx, user)
	require.NoError(t, err)

	automation := &models.Automation{UserID: user.ID, Name: "factures", Active: true}
	_, err = storage.Automations().CreateAutomation(ctx, automation)
	require.NoError(t, err)
	return user.ID, automation.ID
}

func TestTrigger_CreatesPendingJobAndPublishes(t *testing.T) {
	service, bus, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	job, err := service.Trigger(ctx, userID, automationID, TriggerOptions{FromDate: "2025-01-01", MaxResults: 10})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	require.Len(t, bus.published, 1)
	assert.Equal(t, models.SubjectJobStarted, bus.published[0].subject)

	var event models.JobStartedEvent
	require.NoError(t, json.Unmarshal(bus.published[0].payload, &event))
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, automationID, event.AutomationID)
	assert.Equal(t, "2025-01-01", event.FromDate)
	assert.Equal(t, 10, event.MaxResults)
}

func TestTrigger_RejectsForeignAutomation(t *testing.T) {
	service, bus, storage := newTestService(t)
	_, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	other := &models.User{Username: "mallory", Email: "mallory@example.com", HashedPassword: "x"}
	_, err := storage.Users().CreateUser(ctx, other)
	require.NoError(t, err)

	_, err = service.Trigger(ctx, other.ID, automationID, TriggerOptions{})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Empty(t, bus.published)
}

func TestTrigger_RejectsBadFromDate(t *testing.T) {
	service, _, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)

	_, err := service.Trigger(context.Background(), userID, automationID, TriggerOptions{FromDate: "01/02/2025"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from_date")
}

func TestTrigger_PublishFailureFailsJob(t *testing.T) {
	service, bus, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	bus.failNext = errors.New("bus down")
	_, err := service.Trigger(ctx, userID, automationID, TriggerOptions{})
	require.Error(t, err)

	// The orphaned pending row must have been failed
	jobList, err := storage.Jobs().ListJobs(ctx, automationID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobList, 1)
	assert.Equal(t, models.JobStatusFailed, jobList[0].Status)
	assert.Contains(t, jobList[0].ErrorMessage, "publish")
}

func TestCancel_PendingJob(t *testing.T) {
	service, _, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	job, err := service.Trigger(ctx, userID, automationID, TriggerOptions{})
	require.NoError(t, err)

	cancelled, err := service.Cancel(ctx, userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, models.ErrReasonCancelled, cancelled.ErrorMessage)
}

func TestCancel_TerminalJobConflicts(t *testing.T) {
	service, _, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	job, err := service.Trigger(ctx, userID, automationID, TriggerOptions{})
	require.NoError(t, err)

	moved, err := storage.Jobs().MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = storage.Jobs().MarkCompleted(ctx, job.ID, &models.JobStats{}, time.Now())
	require.NoError(t, err)
	require.True(t, moved)

	_, err = service.Cancel(ctx, userID, job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancel_ForeignJobNotFound(t *testing.T) {
	service, _, storage := newTestService(t)
	userID, automationID := seedAutomation(t, storage)
	ctx := context.Background()

	job, err := service.Trigger(ctx, userID, automationID, TriggerOptions{})
	require.NoError(t, err)

	other := &models.User{Username: "mallory", Email: "mallory@example.com", HashedPassword: "x"}
	_, err = storage.Users().CreateUser(ctx, other)
	require.NoError(t, err)

	_, err = service.Cancel(ctx, other.ID, job.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
