package queue

import (
	"context"
	"time"
)

// Queuer defines the reliable queue operations. Every mutating call is a
// single atomic step on the server; implementations hold no client-side
// locks around queue state.
//
// Example usage:
//
//	var q Queuer = client
//
//	// Produce
//	id, err := q.Enqueue(ctx, "user.created", `{"id":"123"}`)
//
//	// Consume
//	msg, ok, err := q.Dequeue(ctx)
//	if err != nil {
//		return err // connectivity or corrupt data, never "empty"
//	}
//	if ok {
//		if process(msg) == nil {
//			q.Release(ctx, msg.ID)
//		} else {
//			q.Requeue(ctx, msg.ID)
//		}
//	}
//
//	// Recover messages from crashed consumers, periodically
//	q.Sweep(ctx, time.Minute)
type Queuer interface {
	// Enqueue appends a message to pending and stores its payload.
	//
	// Returns:
	//   - id: The generated message id
	Enqueue(ctx context.Context, topic, data string) (string, error)

	// Dequeue moves the oldest pending id to working, stamped with the
	// current time, and returns its message. No two callers ever receive
	// the same id while it is checked out.
	//
	// Returns:
	//   - ok: false when pending is empty, which is not an error
	Dequeue(ctx context.Context) (Message, bool, error)

	// Release removes a checked out message and its payload. Idempotent.
	Release(ctx context.Context, id string) error

	// Requeue moves a checked out message back to pending. The payload is
	// kept and redelivered verbatim. No-op for ids not in working.
	Requeue(ctx context.Context, id string) error

	// Sweep moves messages checked out for at least interval back to
	// pending.
	//
	// Returns:
	//   - moved: Number of messages reclaimed
	Sweep(ctx context.Context, interval time.Duration) (int64, error)

	// PendingSize returns the length of pending (eventually consistent).
	PendingSize(ctx context.Context) (int64, error)

	// WorkingSize returns the cardinality of working (eventually consistent).
	WorkingSize(ctx context.Context) (int64, error)

	// Drain atomically deletes pending, working and values.
	Drain(ctx context.Context) error

	// Health verifies the backing store answers.
	Health(ctx context.Context) error

	// Close releases all connections.
	Close() error
}
