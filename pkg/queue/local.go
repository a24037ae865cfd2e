package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
)

// LocalProducer is an in-process queue backend. It is the default for
// development and tests and mirrors the broker-backed producers' retry and
// dead-letter semantics.
type LocalProducer struct {
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*localQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defaultMaxAttempts int
}

// localQueue holds one queue's channel and counters.
type localQueue struct {
	jobs       chan *Job
	dlq        []*Job
	hasWorker  bool
	active     atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
}

// NewLocalProducer creates an in-process producer.
func NewLocalProducer(defaultMaxAttempts int, logger *zap.Logger) *LocalProducer {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = constants.DefaultJobMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalProducer{
		logger:             logger.Named("queue-local"),
		queues:             make(map[string]*localQueue),
		ctx:                ctx,
		cancel:             cancel,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Enqueue implements Producer.
func (p *LocalProducer) Enqueue(ctx context.Context, queue string, payload any, opts ...JobOption) (*Job, error) {
	options := jobOptions{maxAttempts: p.defaultMaxAttempts}
	for _, opt := range opts {
		opt(&options)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     data,
		MaxAttempts: options.maxAttempts,
		EnqueuedAt:  time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	q := p.getQueueLocked(queue)
	p.mu.Unlock()

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return job, nil
}

// RegisterWorker implements Producer.
func (p *LocalProducer) RegisterWorker(queue string, fn WorkerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	q := p.getQueueLocked(queue)
	if q.hasWorker {
		return fmt.Errorf("%w: %s", ErrWorkerExists, queue)
	}
	q.hasWorker = true

	p.wg.Add(1)
	go p.runWorker(queue, q, fn)

	p.logger.Info("worker registered", zap.String("queue", queue))
	return nil
}

// runWorker consumes jobs from one queue until the producer is closed.
func (p *LocalProducer) runWorker(queue string, q *localQueue, fn WorkerFunc) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-q.jobs:
			p.handleJob(queue, q, job, fn)
		}
	}
}

// handleJob runs one attempt and applies the retry/DLQ policy.
func (p *LocalProducer) handleJob(queue string, q *localQueue, job *Job, fn WorkerFunc) {
	q.active.Add(1)
	defer q.active.Add(-1)

	job.Attempts++
	err := fn(p.ctx, job)
	if err == nil {
		q.completed.Add(1)
		return
	}

	q.failed.Add(1)
	if job.Attempts >= job.MaxAttempts {
		p.mu.Lock()
		q.dlq = append(q.dlq, job)
		p.mu.Unlock()
		p.logger.Error("job moved to dead-letter queue",
			zap.String("queue", queue),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		return
	}

	p.logger.Warn("job failed, requeueing",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)

	select {
	case q.jobs <- job:
	case <-p.ctx.Done():
	}
}

// Status implements Producer.
func (p *LocalProducer) Status(_ context.Context, queue string) (*QueueStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[queue]
	if !ok {
		return &QueueStatus{}, nil
	}
	return &QueueStatus{
		Exists:       true,
		Waiting:      int64(len(q.jobs)),
		Active:       q.active.Load(),
		Completed:    q.completed.Load(),
		Failed:       q.failed.Load(),
		DeadLettered: int64(len(q.dlq)),
	}, nil
}

// DeadLettered returns the jobs routed to a queue's DLQ, for inspection.
func (p *LocalProducer) DeadLettered(queue string) []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[queue]
	if !ok {
		return nil
	}
	out := make([]*Job, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Close implements Producer.
func (p *LocalProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("local producer closed")
	return nil
}

// getQueueLocked returns the queue, creating it lazily. Caller holds p.mu.
func (p *LocalProducer) getQueueLocked(name string) *localQueue {
	q, ok := p.queues[name]
	if !ok {
		q = &localQueue{jobs: make(chan *Job, constants.DefaultLocalQueueBuffer)}
		p.queues[name] = q
	}
	return q
}
