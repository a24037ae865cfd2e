// Package queue provides the producer boundary between the ingestion
// pipeline and the external job broker. Validated chain events are enqueued
// here; consumers run out of process. Jobs that exhaust their attempt budget
// are routed to a per-queue dead-letter queue for manual inspection.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nftopia/ingest-go/internal/constants"
)

// Job is a single unit of work handed to a queue.
type Job struct {
	// ID uniquely identifies the job
	ID string `json:"id"`

	// Queue is the destination queue name
	Queue string `json:"queue"`

	// Payload is the JSON-encoded job body
	Payload json.RawMessage `json:"payload"`

	// Attempts is the number of processing attempts made so far
	Attempts int `json:"attempts"`

	// MaxAttempts is the consumer-side retry budget before DLQ routing
	MaxAttempts int `json:"maxAttempts"`

	// EnqueuedAt is when the job was first enqueued
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// WorkerFunc processes a single job. A non-nil error counts as a failed
// attempt; once the job's attempt budget is exhausted it is moved to the
// queue's dead-letter queue.
type WorkerFunc func(ctx context.Context, job *Job) error

// jobOptions holds per-enqueue overrides.
type jobOptions struct {
	maxAttempts int
}

// JobOption configures a single Enqueue call.
type JobOption func(*jobOptions)

// WithMaxAttempts overrides the consumer-side retry budget for this job.
func WithMaxAttempts(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// QueueStatus describes the observable state of one queue.
type QueueStatus struct {
	Exists       bool  `json:"exists"`
	Waiting      int64 `json:"waiting"`
	Active       int64 `json:"active"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"deadLettered"`
}

// Producer is the interface the listeners and webhook pipeline enqueue
// through. Implementations must be safe for concurrent use.
type Producer interface {
	// Enqueue serializes payload and hands it to the broker. It returns the
	// created job handle.
	Enqueue(ctx context.Context, queue string, payload any, opts ...JobOption) (*Job, error)

	// RegisterWorker attaches a consumer to the queue. At most one worker
	// per queue may be registered.
	RegisterWorker(queue string, fn WorkerFunc) error

	// Status returns the observable state of a queue.
	Status(ctx context.Context, queue string) (*QueueStatus, error)

	// Close stops all workers and releases broker connections.
	Close() error
}

// DLQName returns the dead-letter queue name for a queue.
func DLQName(queue string) string {
	return queue + constants.DLQSuffix
}
