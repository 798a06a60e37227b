package bus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
)

func newTestBus(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(arbor.NewLogger(), &common.BusConfig{
		Path:              filepath.Join(t.TempDir(), "bus.db"),
		PollInterval:      "10ms",
		VisibilityTimeout: "200ms",
		MaxReceive:        3,
		RetentionAge:      "24h",
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		filter  string
		subject string
		want    bool
	}{
		{"", "job.started", true},
		{"job.started", "job.started", true},
		{"job.started", "job.completed", false},
		{"job.*", "job.started", true},
		{"job.*", "job.completed", true},
		{"job.*", "job", false},
		{"job.*", "job.started.extra", false},
		{"other.*", "job.started", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectMatches(tt.filter, tt.subject),
			"filter=%q subject=%q", tt.filter, tt.subject)
	}
}

func TestPublishSubscribe_AckRemovesMessage(t *testing.T) {
	m := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.EnsureStream(ctx, "jobs", []string{"job.*"}))
	require.NoError(t, m.EnsureConsumer(ctx, "jobs", "coordinator", "job.started"))

	payload, _ := json.Marshal(map[string]any{"job_id": 1})
	require.NoError(t, m.Publish(ctx, "job.started", payload))

	var received atomic.Int32
	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SubscribeDurable(subCtx, "jobs", "coordinator", func(ctx context.Context, subject string, body []byte) error {
			assert.Equal(t, "job.started", subject)
			received.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return received.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Acked messages must not be redelivered after the visibility timeout
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())

	subCancel()
	<-done
}

func TestPublish_NakRedelivers(t *testing.T) {
	m := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.EnsureStream(ctx, "jobs", []string{"job.*"}))
	require.NoError(t, m.EnsureConsumer(ctx, "jobs", "coordinator", ""))

	require.NoError(t, m.Publish(ctx, "job.started", []byte(`{}`)))

	var attempts atomic.Int32
	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.SubscribeDurable(subCtx, "jobs", "coordinator", func(ctx context.Context, subject string, body []byte) error {
			if attempts.Add(1) == 1 {
				return assert.AnError
			}
			return nil
		})
	}()

	// First delivery fails, second (after visibility timeout) succeeds
	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	subCancel()
	<-done
}

func TestPublish_FansOutToMatchingConsumersOnly(t *testing.T) {
	m := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.EnsureStream(ctx, "jobs", []string{"job.*"}))
	require.NoError(t, m.EnsureConsumer(ctx, "jobs", "coordinator", "job.started"))
	require.NoError(t, m.EnsureConsumer(ctx, "jobs", "audit", "job.*"))

	require.NoError(t, m.Publish(ctx, "job.completed", []byte(`{}`)))

	// Only the audit consumer's queue should hold the message
	coordQ := m.queue("jobs.coordinator")
	msg, err := coordQ.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	auditQ := m.queue("jobs.audit")
	msg, err = auditQ.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(msg.Body, &envelope))
	assert.Equal(t, "job.completed", envelope.Subject)
	assert.NotEmpty(t, envelope.ID)
}

func TestPublish_UnknownSubjectRejected(t *testing.T) {
	m := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, m.EnsureStream(ctx, "jobs", []string{"job.*"}))

	err := m.Publish(ctx, "billing.created", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stream carries subject")
}
