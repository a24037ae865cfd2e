package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
	"github.com/nftopia/ingest-go/pkg/types"
)

// ErrTransactionNotFound is returned by a TransactionStore when no record
// matches the hash.
var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionStore is the persistence collaborator the processor updates.
type TransactionStore interface {
	FindByHash(ctx context.Context, hash string) (*types.Transaction, error)
	UpdateStatus(ctx context.Context, hash string, status types.TransactionStatus, blockNumber int64) error
}

// Processor applies webhook events to the transaction store. Processing is
// idempotent: each event id is handled at most once within the dedup TTL.
// Transient failures are retried out-of-band with exponential backoff.
type Processor struct {
	store   TransactionStore
	metrics *Metrics
	logger  *zap.Logger
	clock   clock.Clock

	maxRetries int
	retryBase  time.Duration
	dedupTTL   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // event id -> dedup entry expiry

	stop chan struct{}
	once sync.Once
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorClock injects a clock for deterministic retry tests.
func WithProcessorClock(c clock.Clock) ProcessorOption {
	return func(p *Processor) { p.clock = c }
}

// WithDedupTTL overrides how long processed event ids are remembered.
func WithDedupTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) { p.dedupTTL = ttl }
}

// WithRetryPolicy overrides the retry budget and base delay.
func WithRetryPolicy(maxRetries int, base time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.maxRetries = maxRetries
		p.retryBase = base
	}
}

// NewProcessor creates a processor and starts its dedup sweep.
func NewProcessor(store TransactionStore, metrics *Metrics, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:      store,
		metrics:    metrics,
		logger:     logger.Named("processor"),
		clock:      clock.New(),
		maxRetries: constants.DefaultWebhookMaxRetries,
		retryBase:  constants.DefaultWebhookRetryBaseDelay,
		dedupTTL:   constants.DefaultDedupTTL,
		seen:       make(map[string]time.Time),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.sweepLoop()
	return p
}

// Process handles one webhook event. Duplicate deliveries are skipped. A
// failure schedules background retries; the returned error reflects only the
// first attempt.
func (p *Processor) Process(ctx context.Context, event *types.WebhookEvent) error {
	id := event.EventID()

	p.mu.Lock()
	expiry, dup := p.seen[id]
	if dup && p.clock.Now().Before(expiry) {
		p.mu.Unlock()
		p.logger.Debug("skipping duplicate event", zap.String("event_id", id))
		p.metrics.RecordDuplicate()
		return nil
	}
	// Claim the id up front so concurrent duplicate deliveries lose the race.
	p.seen[id] = p.clock.Now().Add(p.dedupTTL)
	p.mu.Unlock()

	start := p.clock.Now()
	if err := p.apply(ctx, event); err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// The webhook may have arrived before the marketplace created the
			// record. Leave the id unclaimed so a redelivery can settle it.
			p.release(id)
			return nil
		}
		p.logger.Error("webhook processing failed",
			zap.String("event_id", id),
			zap.Error(err),
		)
		p.scheduleRetry(event, 1)
		return err
	}

	p.metrics.RecordProcessed(p.clock.Since(start))
	return nil
}

// apply performs one processing attempt.
func (p *Processor) apply(ctx context.Context, event *types.WebhookEvent) error {
	tx, err := p.store.FindByHash(ctx, event.TxHash)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			p.logger.Warn("transaction not found for webhook event",
				zap.String("tx_hash", event.TxHash),
			)
			return err
		}
		return fmt.Errorf("transaction lookup failed: %w", err)
	}

	if err := p.store.UpdateStatus(ctx, tx.Hash, event.Status, event.BlockNumber); err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}

	for _, log := range event.Logs {
		p.handleLog(event, log)
	}

	p.logger.Info("transaction status updated",
		zap.String("tx_hash", tx.Hash),
		zap.String("status", string(event.Status)),
		zap.Int64("block", event.BlockNumber),
	)
	return nil
}

// handleLog dispatches one event log by type. Unrecognized types are skipped.
func (p *Processor) handleLog(event *types.WebhookEvent, log types.EventLog) {
	switch log.EventType {
	case "Transfer":
		p.logger.Info("transfer event observed",
			zap.String("tx_hash", event.TxHash),
			zap.String("contract", log.ContractAddress),
			zap.String("from", log.Data["from"]),
			zap.String("to", log.Data["to"]),
			zap.String("token_id", log.Data["tokenId"]),
		)
	case "Approval":
		p.logger.Info("approval event observed",
			zap.String("tx_hash", event.TxHash),
			zap.String("contract", log.ContractAddress),
			zap.String("owner", log.Data["owner"]),
			zap.String("approved", log.Data["approved"]),
		)
	default:
		p.logger.Debug("skipping unhandled log type",
			zap.String("event_type", log.EventType),
		)
	}
}

// scheduleRetry arms the next backoff attempt, giving up once the budget is
// spent.
func (p *Processor) scheduleRetry(event *types.WebhookEvent, attempt int) {
	if attempt > p.maxRetries {
		p.logger.Error("webhook event failed after all retries",
			zap.String("event_id", event.EventID()),
			zap.Int("attempts", p.maxRetries),
		)
		p.metrics.RecordFailed()
		// Every attempt failed, so nothing was processed; a redelivery
		// should get a fresh run rather than a duplicate skip.
		p.release(event.EventID())
		return
	}

	delay := p.retryBase * (1 << (attempt - 1))
	p.logger.Info("scheduling webhook retry",
		zap.String("event_id", event.EventID()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)

	p.clock.AfterFunc(delay, func() {
		p.metrics.RecordRetry()
		start := p.clock.Now()
		if err := p.apply(context.Background(), event); err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				p.release(event.EventID())
				return
			}
			p.logger.Error("webhook retry failed",
				zap.String("event_id", event.EventID()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			p.scheduleRetry(event, attempt+1)
			return
		}
		p.metrics.RecordProcessed(p.clock.Since(start))
	})
}

// sweepLoop drops expired dedup entries.
func (p *Processor) sweepLoop() {
	ticker := p.clock.Ticker(constants.DefaultDedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// release drops an event id claim so a redelivery is not treated as a
// duplicate.
func (p *Processor) release(id string) {
	p.mu.Lock()
	delete(p.seen, id)
	p.mu.Unlock()
}

func (p *Processor) sweep() {
	now := p.clock.Now()
	p.mu.Lock()
	for id, expiry := range p.seen {
		if !now.Before(expiry) {
			delete(p.seen, id)
		}
	}
	p.mu.Unlock()
}

// TrackedEvents reports how many event ids the dedup table currently holds.
func (p *Processor) TrackedEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Close stops the dedup sweep.
func (p *Processor) Close() {
	p.once.Do(func() { close(p.stop) })
}
