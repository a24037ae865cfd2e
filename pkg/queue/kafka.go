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
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/config"
	"github.com/nftopia/ingest-go/internal/constants"
)

// KafkaProducer is a Kafka-backed queue producer. Each queue maps to a topic
// `<prefix>.<queue>`; dead-lettered jobs go to `<prefix>.<queue>-dlq`.
type KafkaProducer struct {
	writer  *kafka.Writer
	brokers []string
	prefix  string
	logger  *zap.Logger

	mu      sync.Mutex
	readers map[string]*kafka.Reader
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defaultMaxAttempts int

	stats struct {
		completed atomic.Int64
		failed    atomic.Int64
		dead      atomic.Int64
	}
}

// NewKafkaProducer creates a Kafka-backed producer.
func NewKafkaProducer(cfg config.QueueKafkaConfig, defaultMaxAttempts int, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no Kafka brokers configured", ErrInvalidConfiguration)
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = constants.DefaultJobMaxAttempts
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaProducer{
		writer:             writer,
		brokers:            cfg.Brokers,
		prefix:             cfg.TopicPrefix,
		logger:             logger.Named("queue-kafka"),
		readers:            make(map[string]*kafka.Reader),
		ctx:                ctx,
		cancel:             cancel,
		defaultMaxAttempts: defaultMaxAttempts,
	}, nil
}

// topic maps a queue name to its Kafka topic.
func (p *KafkaProducer) topic(queue string) string {
	if p.prefix == "" {
		return queue
	}
	return p.prefix + "." + queue
}

// Enqueue implements Producer.
func (p *KafkaProducer) Enqueue(ctx context.Context, queue string, payload any, opts ...JobOption) (*Job, error) {
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

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic(queue),
		Key:   []byte(job.ID),
		Value: encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	return job, nil
}

// RegisterWorker implements Producer.
func (p *KafkaProducer) RegisterWorker(queue string, fn WorkerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.readers[queue]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, queue)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: p.brokers,
		Topic:   p.topic(queue),
		GroupID: p.topic(queue) + ".workers",
	})
	p.readers[queue] = reader

	p.wg.Add(1)
	go p.runWorker(queue, reader, fn)

	p.logger.Info("worker registered", zap.String("queue", queue), zap.String("topic", p.topic(queue)))
	return nil
}

// runWorker consumes the queue's topic until the producer closes. Failed jobs
// are retried in place up to their attempt budget, then forwarded to the DLQ
// topic, so the consumer group offset always advances.
func (p *KafkaProducer) runWorker(queue string, reader *kafka.Reader, fn WorkerFunc) {
	defer p.wg.Done()

	for {
		msg, err := reader.FetchMessage(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("fetch failed", zap.String("queue", queue), zap.Error(err))
			continue
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			p.logger.Error("dropping undecodable job", zap.String("queue", queue), zap.Error(err))
			_ = reader.CommitMessages(p.ctx, msg)
			continue
		}

		p.handleJob(queue, &job, fn)

		if err := reader.CommitMessages(p.ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("commit failed", zap.String("queue", queue), zap.Error(err))
		}
	}
}

// handleJob retries in place, then dead-letters.
func (p *KafkaProducer) handleJob(queue string, job *Job, fn WorkerFunc) {
	for job.Attempts < job.MaxAttempts {
		job.Attempts++
		err := fn(p.ctx, job)
		if err == nil {
			p.stats.completed.Add(1)
			return
		}
		p.stats.failed.Add(1)
		p.logger.Warn("job attempt failed",
			zap.String("queue", queue),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		p.logger.Error("failed to re-encode job for DLQ", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	writeErr := p.writer.WriteMessages(p.ctx, kafka.Message{
		Topic: p.topic(DLQName(queue)),
		Key:   []byte(job.ID),
		Value: encoded,
	})
	if writeErr != nil {
		p.logger.Error("failed to write job to DLQ topic", zap.String("job_id", job.ID), zap.Error(writeErr))
		return
	}
	p.stats.dead.Add(1)
	p.logger.Error("job moved to dead-letter topic",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
	)
}

// Status implements Producer. Kafka does not expose queue depth cheaply, so
// only the in-process counters are reported.
func (p *KafkaProducer) Status(_ context.Context, queue string) (*QueueStatus, error) {
	p.mu.Lock()
	_, hasWorker := p.readers[queue]
	p.mu.Unlock()

	return &QueueStatus{
		Exists:       hasWorker,
		Completed:    p.stats.completed.Load(),
		Failed:       p.stats.failed.Load(),
		DeadLettered: p.stats.dead.Load(),
	}, nil
}

// Close implements Producer.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	readers := make([]*kafka.Reader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	p.cancel()
	for _, r := range readers {
		_ = r.Close()
	}
	p.wg.Wait()
	err := p.writer.Close()
	p.logger.Info("kafka producer closed")
	return err
}
