package queue

import "errors"

// Common errors for queue operations
var (
	// ErrInvalidConfiguration indicates invalid queue configuration
	ErrInvalidConfiguration = errors.New("invalid queue configuration")

	// ErrClosed indicates the producer has been closed
	ErrClosed = errors.New("queue producer is closed")

	// ErrSerializationFailed indicates job payload serialization failure
	ErrSerializationFailed = errors.New("failed to serialize job payload")

	// ErrEnqueueFailed indicates the job could not be handed to the broker
	ErrEnqueueFailed = errors.New("failed to enqueue job")

	// ErrWorkerExists indicates a worker is already registered for the queue
	ErrWorkerExists = errors.New("worker already registered for queue")
)
