package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"
)

// Envelope is the wire format for every bus message
type Envelope struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// Manager implements interfaces.MessageBus over goqite queues in a dedicated
// SQLite file.
//
// A stream is a named set of subjects; a durable consumer on a stream is one
// goqite queue named "<stream>.<consumer>". Publish fans the envelope out to
// every consumer queue whose filter matches the subject, so each consumer
// group sees each message once and redelivery is per-consumer. Stream and
// consumer registrations are persisted in the bus database, which lets a
// publisher process fan out to consumers registered by a worker process.
type Manager struct {
	db      *sql.DB
	logger  arbor.ILogger
	config  *common.BusConfig
	mu      sync.Mutex
	queues  map[string]*goqite.Queue // keyed by "<stream>.<consumer>"
	timeout time.Duration
}

// NewManager opens the bus database and prepares the goqite schema
func NewManager(logger arbor.ILogger, config *common.BusConfig) (*Manager, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := goqite.Setup(ctx, db); err != nil {
		// Expected on every startup after the first
		if !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("failed to set up bus schema: %w", err)
		}
	}

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up bus registry: %w", err)
	}

	m := &Manager{
		db:      db,
		logger:  logger,
		config:  config,
		queues:  make(map[string]*goqite.Queue),
		timeout: parseDurationOr(config.VisibilityTimeout, 5*time.Minute),
	}
	logger.Info().Str("path", config.Path).Msg("Message bus initialized")
	return m, nil
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS bus_streams (
	name TEXT PRIMARY KEY,
	subjects TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bus_consumers (
	stream TEXT NOT NULL REFERENCES bus_streams(name),
	consumer TEXT NOT NULL,
	filter_subject TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (stream, consumer)
);
`

// EnsureStream registers a stream and the subjects it carries. Re-registering
// replaces the subject set.
func (m *Manager) EnsureStream(ctx context.Context, stream string, subjects []string) error {
	encoded, err := json.Marshal(subjects)
	if err != nil {
		return fmt.Errorf("failed to encode subjects: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO bus_streams (name, subjects) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET subjects = excluded.subjects`,
		stream, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}
	return nil
}

// EnsureConsumer registers a durable consumer and creates its backing queue
func (m *Manager) EnsureConsumer(ctx context.Context, stream, consumer, filterSubject string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO bus_consumers (stream, consumer, filter_subject) VALUES (?, ?, ?)
		 ON CONFLICT(stream, consumer) DO UPDATE SET filter_subject = excluded.filter_subject`,
		stream, consumer, filterSubject)
	if err != nil {
		return fmt.Errorf("failed to ensure consumer %s.%s: %w", stream, consumer, err)
	}
	m.queue(stream + "." + consumer)
	return nil
}

// queue returns the cached goqite queue for a name, creating it on first use
func (m *Manager) queue(name string) *goqite.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	maxReceive := m.config.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 3
	}
	q := goqite.New(goqite.NewOpts{
		DB:         m.db,
		Name:       name,
		MaxReceive: maxReceive,
		Timeout:    m.timeout,
	})
	m.queues[name] = q
	return q
}

// Publish appends a payload under a subject. The envelope is copied to every
// registered consumer queue whose stream carries the subject and whose filter
// matches it.
func (m *Manager) Publish(ctx context.Context, subject string, payload []byte) error {
	stream, err := m.streamForSubject(ctx, subject)
	if err != nil {
		return err
	}

	envelope := Envelope{
		ID:          uuid.NewString(),
		Subject:     subject,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT consumer, filter_subject FROM bus_consumers WHERE stream = ?`, stream)
	if err != nil {
		return fmt.Errorf("failed to list consumers for stream %s: %w", stream, err)
	}
	type target struct{ consumer, filter string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.consumer, &t.filter); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan consumer: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range targets {
		if !subjectMatches(t.filter, subject) {
			continue
		}
		q := m.queue(stream + "." + t.consumer)
		if err := q.Send(ctx, goqite.Message{Body: body}); err != nil {
			return fmt.Errorf("failed to publish %s to %s.%s: %w", subject, stream, t.consumer, err)
		}
	}

	m.logger.Debug().
		Str("subject", subject).
		Str("message_id", envelope.ID).
		Int("consumers", len(targets)).
		Msg("Message published")
	return nil
}

// streamForSubject resolves which registered stream carries a subject
func (m *Manager) streamForSubject(ctx context.Context, subject string) (string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name, subjects FROM bus_streams`)
	if err != nil {
		return "", fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			return "", err
		}
		var subjects []string
		if err := json.Unmarshal([]byte(encoded), &subjects); err != nil {
			return "", fmt.Errorf("failed to decode subjects for stream %s: %w", name, err)
		}
		for _, s := range subjects {
			if subjectMatches(s, subject) {
				return name, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no stream carries subject %s", subject)
}

// subjectMatches reports whether a filter pattern matches a subject. An empty
// filter matches everything; a trailing ".*" matches one token; otherwise the
// match is exact.
func subjectMatches(filter, subject string) bool {
	if filter == "" || filter == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, ".*"); ok {
		rest, found := strings.CutPrefix(subject, prefix+".")
		return found && rest != "" && !strings.Contains(rest, ".")
	}
	return false
}

// SubscribeDurable polls the consumer's queue and dispatches each message to
// handler until ctx is cancelled. A nil handler result acks (deletes) the
// message; an error leaves it for redelivery after the visibility timeout,
// bounded by MaxReceive.
func (m *Manager) SubscribeDurable(ctx context.Context, stream, consumer string, handler interfaces.MessageHandler) error {
	if err := m.EnsureConsumer(ctx, stream, consumer, ""); err != nil {
		return err
	}
	q := m.queue(stream + "." + consumer)
	interval := parseDurationOr(m.config.PollInterval, time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().
		Str("stream", stream).
		Str("consumer", consumer).
		Msg("Durable subscription started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().
				Str("stream", stream).
				Str("consumer", consumer).
				Msg("Durable subscription stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.dispatchOne(ctx, q, handler); err != nil {
				if strings.Contains(err.Error(), "database is locked") ||
					strings.Contains(err.Error(), "SQLITE_BUSY") {
					continue
				}
				m.logger.Warn().
					Err(err).
					Str("stream", stream).
					Str("consumer", consumer).
					Msg("Error dispatching message")
			}
		}
	}
}

func (m *Manager) dispatchOne(ctx context.Context, q *goqite.Queue, handler interfaces.MessageHandler) error {
	msg, err := q.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive: %w", err)
	}
	if msg == nil {
		return nil
	}

	var envelope Envelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		// Malformed envelopes can never succeed; drop instead of redelivering
		m.logger.Error().Err(err).Msg("Dropping malformed bus message")
		return deleteMessage(q, msg.ID)
	}

	if err := handler(ctx, envelope.Subject, envelope.Payload); err != nil {
		m.logger.Warn().
			Err(err).
			Str("subject", envelope.Subject).
			Str("message_id", envelope.ID).
			Msg("Handler failed, message left for redelivery")
		return nil
	}

	return deleteMessage(q, msg.ID)
}

// deleteMessage acks with a fresh context so an expired subscription context
// cannot lose the ack
func deleteMessage(q *goqite.Queue, id goqite.ID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.Delete(ctx, id)
}

// Close closes the bus database
func (m *Manager) Close() error {
	return m.db.Close()
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
