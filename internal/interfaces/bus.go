package interfaces

import "context"

// MessageHandler processes one bus message. Returning nil acks the message;
// returning an error naks it for redelivery until the bus's receive bound
// moves it to the dead-letter queue.
type MessageHandler func(ctx context.Context, subject string, payload []byte) error

// MessageBus is the thin durable pub/sub contract the coordinator relies on.
//
// Streams are named message logs; a durable consumer on a stream receives
// each message once at a time (single-handler-per-message), with at-least-once
// redelivery after the visibility timeout. Horizontal scaling works by
// pointing multiple processes at the same stream and consumer name.
type MessageBus interface {
	// EnsureStream creates the stream if it does not exist
	EnsureStream(ctx context.Context, stream string, subjects []string) error
	// EnsureConsumer creates a named durable consumer with a subject filter
	EnsureConsumer(ctx context.Context, stream, consumer, filterSubject string) error
	// Publish appends a JSON payload under a subject to the subject's stream
	Publish(ctx context.Context, subject string, payload []byte) error
	// SubscribeDurable starts dispatching the consumer's messages to handler
	// until ctx is cancelled
	SubscribeDurable(ctx context.Context, stream, consumer string, handler MessageHandler) error
	Close() error
}
