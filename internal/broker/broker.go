// Package broker provides the work queue between the job service and the
// workers: FIFO delivery with per-message visibility timeouts, delayed
// requeue for retry backoff, and at-least-once semantics.
package broker

import (
	"context"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

// Message is one queued unit of work: the job to run plus delivery
// bookkeeping. Redelivery after a visibility timeout reuses the same
// delivery ID.
type Message struct {
	DeliveryID string      `json:"delivery_id"`
	JobID      models.ULID `json:"job_id"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Broker is a FIFO work queue with at-least-once delivery. A dequeued
// message stays invisible to other consumers until its visibility deadline;
// a message neither acked nor nacked by then is delivered again. Consumers
// must therefore tolerate duplicate deliveries of the same job.
type Broker interface {
	// Enqueue queues a start message for the job. A positive delay parks
	// the message until it becomes ready.
	Enqueue(ctx context.Context, jobID models.ULID, delay time.Duration) error

	// Dequeue pops the oldest ready message and makes it invisible for the
	// visibility window. Returns nil when no message is ready.
	Dequeue(ctx context.Context, visibility time.Duration) (*Message, error)

	// Ack removes a delivered message for good.
	Ack(ctx context.Context, deliveryID string) error

	// Nack returns a delivered message to the queue after the given delay.
	// Nacking a delivery that is no longer in flight is a no-op.
	Nack(ctx context.Context, deliveryID string, delay time.Duration) error

	// Len reports how many messages are queued: ready, delayed and in
	// flight combined.
	Len(ctx context.Context) (int64, error)

	// Ping verifies the broker connection.
	Ping(ctx context.Context) error

	// Close releases the broker connection.
	Close() error
}
