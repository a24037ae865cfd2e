package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/config"
	"github.com/nftopia/ingest-go/internal/constants"
)

// redisKeyPrefix namespaces all queue keys in Redis.
const redisKeyPrefix = "ingest:queue:"

// RedisProducer is a Redis-list-backed queue producer. Jobs are stored as
// JSON in a list per queue; workers block-pop from the list and failed jobs
// are pushed back or routed to the queue's DLQ list.
type RedisProducer struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defaultMaxAttempts int

	stats struct {
		completed atomic.Int64
		failed    atomic.Int64
	}
}

// NewRedisProducer creates a Redis-backed producer and verifies connectivity.
func NewRedisProducer(cfg config.QueueRedisConfig, defaultMaxAttempts int, logger *zap.Logger) (*RedisProducer, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: no Redis address configured", ErrInvalidConfiguration)
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = constants.DefaultJobMaxAttempts
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	ctx, cancelAll := context.WithCancel(context.Background())
	return &RedisProducer{
		client:             client,
		logger:             logger.Named("queue-redis"),
		workers:            make(map[string]bool),
		ctx:                ctx,
		cancel:             cancelAll,
		defaultMaxAttempts: defaultMaxAttempts,
	}, nil
}

// Enqueue implements Producer.
func (p *RedisProducer) Enqueue(ctx context.Context, queue string, payload any, opts ...JobOption) (*Job, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

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

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	if err := p.client.LPush(ctx, redisKeyPrefix+queue, encoded).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	return job, nil
}

// RegisterWorker implements Producer.
func (p *RedisProducer) RegisterWorker(queue string, fn WorkerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.workers[queue] {
		return fmt.Errorf("%w: %s", ErrWorkerExists, queue)
	}
	p.workers[queue] = true

	p.wg.Add(1)
	go p.runWorker(queue, fn)

	p.logger.Info("worker registered", zap.String("queue", queue))
	return nil
}

// runWorker block-pops jobs from the queue's list until the producer closes.
func (p *RedisProducer) runWorker(queue string, fn WorkerFunc) {
	defer p.wg.Done()
	key := redisKeyPrefix + queue

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		res, err := p.client.BRPop(p.ctx, constants.DefaultQueuePopTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Warn("queue pop failed", zap.String("queue", queue), zap.Error(err))
			continue
		}
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			p.logger.Error("dropping undecodable job", zap.String("queue", queue), zap.Error(err))
			continue
		}

		p.handleJob(queue, &job, fn)
	}
}

// handleJob runs one attempt and applies the retry/DLQ policy.
func (p *RedisProducer) handleJob(queue string, job *Job, fn WorkerFunc) {
	job.Attempts++
	err := fn(p.ctx, job)
	if err == nil {
		p.stats.completed.Add(1)
		return
	}

	p.stats.failed.Add(1)
	encoded, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		p.logger.Error("failed to re-encode job", zap.String("job_id", job.ID), zap.Error(marshalErr))
		return
	}

	if job.Attempts >= job.MaxAttempts {
		dlqKey := redisKeyPrefix + DLQName(queue)
		if pushErr := p.client.LPush(p.ctx, dlqKey, encoded).Err(); pushErr != nil {
			p.logger.Error("failed to push job to DLQ", zap.String("job_id", job.ID), zap.Error(pushErr))
			return
		}
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
	if pushErr := p.client.LPush(p.ctx, redisKeyPrefix+queue, encoded).Err(); pushErr != nil {
		p.logger.Error("failed to requeue job", zap.String("job_id", job.ID), zap.Error(pushErr))
	}
}

// Status implements Producer.
func (p *RedisProducer) Status(ctx context.Context, queue string) (*QueueStatus, error) {
	waiting, err := p.client.LLen(ctx, redisKeyPrefix+queue).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	dead, err := p.client.LLen(ctx, redisKeyPrefix+DLQName(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ length: %w", err)
	}

	return &QueueStatus{
		Exists:       waiting > 0 || dead > 0 || p.hasWorker(queue),
		Waiting:      waiting,
		Completed:    p.stats.completed.Load(),
		Failed:       p.stats.failed.Load(),
		DeadLettered: dead,
	}, nil
}

func (p *RedisProducer) hasWorker(queue string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[queue]
}

// Close implements Producer.
func (p *RedisProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	err := p.client.Close()
	p.logger.Info("redis producer closed")
	return err
}
