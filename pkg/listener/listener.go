// Package listener implements the per-contract chain event listeners. A
// listener keeps a logically continuous view of one contract's events by
// polling the provider for new blocks, recovering missed ranges in batches,
// validating events and dispatching them to the queue producer. A circuit
// breaker per listener isolates a failing contract from the rest of the
// pipeline.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nftopia/ingest-go/internal/constants"
	"github.com/nftopia/ingest-go/pkg/chain"
	"github.com/nftopia/ingest-go/pkg/queue"
	"github.com/nftopia/ingest-go/pkg/types"
)

// EventStore is the optional collaborator that persists processed events.
type EventStore interface {
	Save(ctx context.Context, event *types.StoredEvent) error
}

// Config holds one listener's settings.
type Config struct {
	// Contract selects the validation strategy and names the listener
	Contract string
	// Address is the monitored contract address
	Address string
	// Queue is the destination queue for validated events
	Queue string
	// PollInterval is how often the listener checks for a new head
	PollInterval time.Duration
	// BatchSize is the number of blocks fetched per recovery batch
	BatchSize uint64
	// MaxFailures is the consecutive failure count that opens the circuit
	MaxFailures int
	// ResetTimeout is how long the circuit stays open
	ResetTimeout time.Duration
	// MaxRetries is the per-event retry budget after a processing failure
	MaxRetries int
	// RetryBaseDelay is the base delay for exponential retry backoff
	RetryBaseDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = constants.DefaultPollInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = constants.DefaultRecoveryBatchSize
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = constants.DefaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = constants.DefaultCircuitResetTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = constants.DefaultEventRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = constants.DefaultEventRetryBaseDelay
	}
}

// Health is a point-in-time snapshot of one listener's state.
type Health struct {
	Contract           string      `json:"contract"`
	IsListening        bool        `json:"isListening"`
	LastProcessedBlock uint64      `json:"lastProcessedBlock"`
	CircuitOpen        bool        `json:"circuitOpen"`
	FailureCount       int         `json:"failureCount"`
	Performance        Performance `json:"performance"`
}

// Listener monitors one contract. All exported methods are safe for
// concurrent use.
type Listener struct {
	cfg       Config
	provider  chain.Provider
	producer  queue.Producer
	validator Validator
	store     EventStore
	clock     clock.Clock
	logger    *zap.Logger
	perf      *perfTracker

	// pace throttles recovery batch fetches against the provider
	pace *rate.Limiter

	mu                 sync.Mutex
	lastProcessedBlock uint64
	isListening        bool
	failureCount       int
	circuitOpen        bool
	runCtx             context.Context

	wg sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

// WithClock injects a clock, letting tests drive timers deterministically.
func WithClock(c clock.Clock) Option {
	return func(l *Listener) { l.clock = c }
}

// WithEventStore attaches the optional event persistence collaborator.
func WithEventStore(store EventStore) Option {
	return func(l *Listener) { l.store = store }
}

// New creates a listener for one contract.
func New(cfg Config, provider chain.Provider, producer queue.Producer, logger *zap.Logger, opts ...Option) *Listener {
	cfg.setDefaults()

	l := &Listener{
		cfg:      cfg,
		provider: provider,
		producer: producer,
		clock:    clock.New(),
		logger:   logger.Named(cfg.Contract + "-listener"),
		perf:     newPerfTracker(constants.PerformanceHistorySize),
		pace:     rate.NewLimiter(rate.Limit(constants.DefaultRecoveryBatchesPerSecond), 1),
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.validator = ValidatorFor(cfg.Contract, l.logger)
	return l
}

// Start begins listening. It is idempotent: starting an already-listening
// listener is a no-op. A provider failure during startup is fatal and
// propagates to the caller.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.isListening {
		l.mu.Unlock()
		l.logger.Warn("listener already running")
		return nil
	}
	l.isListening = true
	l.mu.Unlock()

	head, err := l.provider.BlockNumber(ctx)
	if err != nil {
		l.mu.Lock()
		l.isListening = false
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", chain.ErrProviderUnavailable, err)
	}

	l.mu.Lock()
	last := l.lastProcessedBlock
	firstRun := last == 0
	if firstRun {
		// First run adopts the current head; no backfill
		l.lastProcessedBlock = head
	}
	l.mu.Unlock()

	if !firstRun && head > last {
		l.Recover(ctx, last+1, head)
	}

	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()
	l.wg.Add(1)
	go l.pollLoop(ctx)

	l.logger.Info("listener started",
		zap.String("address", l.cfg.Address),
		zap.Uint64("head", head),
	)
	return nil
}

// Stop halts future poll scheduling. In-flight recovery or retries are not
// cancelled.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.isListening = false
	l.mu.Unlock()
	l.logger.Info("listener stopped")
}

// Wait blocks until the polling goroutine has exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// pollLoop checks for a new head every poll interval. Errors never terminate
// the loop; they count toward the circuit breaker and the loop keeps
// scheduling so it can self-heal once the breaker resets.
func (l *Listener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := l.clock.Ticker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.listening() {
				return
			}
			l.pollOnce(ctx)
		}
	}
}

// pollOnce performs a single head check and gap recovery.
func (l *Listener) pollOnce(ctx context.Context) {
	head, err := l.provider.BlockNumber(ctx)
	if err != nil {
		l.logger.Error("polling failed", zap.Error(err))
		l.recordFailure()
		return
	}

	l.mu.Lock()
	last := l.lastProcessedBlock
	l.mu.Unlock()

	if head > last {
		l.Recover(ctx, last+1, head)
	}
}

// Recover fetches events for the inclusive block range [from, to] in bounded
// batches. A failed batch is logged and skipped so recovery keeps making
// forward progress; lastProcessedBlock advances to `to` once the pass
// finishes even if some batches were unfetchable.
func (l *Listener) Recover(ctx context.Context, from, to uint64) {
	l.logger.Info("recovering missed events",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
	)

	for cur := from; cur <= to; cur += l.cfg.BatchSize {
		end := cur + l.cfg.BatchSize - 1
		if end > to {
			end = to
		}

		if err := l.pace.Wait(ctx); err != nil {
			// Cancelled mid-recovery; do not claim the range was covered
			return
		}

		events, err := l.provider.Events(ctx, l.cfg.Address, cur, end)
		if err != nil {
			l.logger.Error("failed to fetch batch",
				zap.Uint64("from", cur),
				zap.Uint64("to", end),
				zap.Error(err),
			)
			continue
		}

		for _, event := range events {
			l.ProcessEvent(ctx, event)
		}
	}

	l.advanceTo(to)
	l.logger.Info("recovery complete", zap.Uint64("last_processed_block", to))
}

// ProcessEvent validates and dispatches one event. Validation failures are
// dropped without touching the failure counter; processing failures count
// toward the circuit breaker and trigger an out-of-band retry.
func (l *Listener) ProcessEvent(ctx context.Context, event types.ChainEvent) {
	l.mu.Lock()
	open := l.circuitOpen
	l.mu.Unlock()
	if open {
		l.logger.Warn("circuit breaker open, skipping event",
			zap.String("event", event.Name),
			zap.Uint64("block", event.BlockNumber),
		)
		return
	}

	if err := l.validator.Validate(event); err != nil {
		l.logger.Warn("event validation failed",
			zap.String("event", event.Name),
			zap.Error(err),
		)
		return
	}

	start := l.clock.Now()
	if err := l.handleEvent(ctx, event); err != nil {
		l.logger.Error("event processing failed",
			zap.String("event", event.Name),
			zap.String("tx_hash", event.TxHash),
			zap.Error(err),
		)
		l.recordFailure()
		l.scheduleRetry(event, 0)
		return
	}

	l.mu.Lock()
	l.failureCount = 0
	l.mu.Unlock()

	elapsed := l.clock.Since(start)
	l.perf.record(elapsed)
	if elapsed > constants.SlowEventThreshold {
		l.logger.Warn("slow event processing",
			zap.String("event", event.Name),
			zap.Duration("elapsed", elapsed),
		)
	}
}

// handleEvent dispatches the event to the queue and the optional store.
func (l *Listener) handleEvent(ctx context.Context, event types.ChainEvent) error {
	payload := map[string]any{
		"name":            event.Name,
		"data":            event.Data,
		"blockNumber":     event.BlockNumber,
		"transactionHash": event.TxHash,
		"contractName":    l.cfg.Contract,
		"processedAt":     l.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := l.producer.Enqueue(ctx, l.cfg.Queue, payload); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	if l.store != nil {
		stored := &types.StoredEvent{
			ContractName: l.cfg.Contract,
			EventName:    event.Name,
			EventData:    event.Data,
			BlockNumber:  event.BlockNumber,
			TxHash:       event.TxHash,
			Timestamp:    l.clock.Now(),
		}
		if err := l.store.Save(ctx, stored); err != nil {
			return fmt.Errorf("event store save failed: %w", err)
		}
	}
	return nil
}

// scheduleRetry retries a failed event out-of-band with exponential backoff
// so a slow retry never blocks the poll loop. A successful retry decrements
// the failure counter; exhausting the budget stops.
func (l *Listener) scheduleRetry(event types.ChainEvent, attempt int) {
	if attempt >= l.cfg.MaxRetries {
		l.logger.Error("event retries exhausted",
			zap.String("event", event.Name),
			zap.String("tx_hash", event.TxHash),
			zap.Int("attempts", attempt),
		)
		return
	}

	delay := l.cfg.RetryBaseDelay * (1 << attempt)
	l.logger.Info("scheduling event retry",
		zap.String("event", event.Name),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
	)

	l.clock.AfterFunc(delay, func() {
		l.mu.Lock()
		ctx := l.runCtx
		l.mu.Unlock()
		if err := l.handleEvent(ctx, event); err != nil {
			l.logger.Error("event retry failed",
				zap.String("event", event.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			l.scheduleRetry(event, attempt+1)
			return
		}
		l.mu.Lock()
		if l.failureCount > 0 {
			l.failureCount--
		}
		l.mu.Unlock()
	})
}

// recordFailure bumps the failure counter and opens the circuit once the
// threshold is reached.
func (l *Listener) recordFailure() {
	l.mu.Lock()
	l.failureCount++
	count := l.failureCount
	shouldOpen := count >= l.cfg.MaxFailures && !l.circuitOpen
	if shouldOpen {
		l.circuitOpen = true
	}
	l.mu.Unlock()

	if shouldOpen {
		l.logger.Error("circuit breaker opened",
			zap.String("contract", l.cfg.Contract),
			zap.Int("failures", count),
		)
		l.clock.AfterFunc(l.cfg.ResetTimeout, func() {
			l.mu.Lock()
			l.circuitOpen = false
			l.failureCount = 0
			l.mu.Unlock()
			l.logger.Info("circuit breaker reset", zap.String("contract", l.cfg.Contract))
		})
	}
}

// advanceTo raises lastProcessedBlock; it never moves backwards.
func (l *Listener) advanceTo(block uint64) {
	l.mu.Lock()
	if block > l.lastProcessedBlock {
		l.lastProcessedBlock = block
	}
	l.mu.Unlock()
}

func (l *Listener) listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isListening
}

// Health returns a snapshot of the listener's state.
func (l *Listener) Health() Health {
	l.mu.Lock()
	h := Health{
		Contract:           l.cfg.Contract,
		IsListening:        l.isListening,
		LastProcessedBlock: l.lastProcessedBlock,
		CircuitOpen:        l.circuitOpen,
		FailureCount:       l.failureCount,
	}
	l.mu.Unlock()
	h.Performance = l.perf.snapshot()
	return h
}
