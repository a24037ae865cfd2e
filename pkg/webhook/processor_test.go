package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/pkg/types"
)

// flakyStore wraps MemoryTransactionStore and fails the first failUpdates
// status updates.
type flakyStore struct {
	*MemoryTransactionStore
	mu          sync.Mutex
	failUpdates int
	updateCalls int
}

func (s *flakyStore) UpdateStatus(ctx context.Context, hash string, status types.TransactionStatus, blockNumber int64) error {
	s.mu.Lock()
	s.updateCalls++
	fail := s.failUpdates > 0
	if fail {
		s.failUpdates--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return s.MemoryTransactionStore.UpdateStatus(ctx, hash, status, blockNumber)
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls
}

func confirmedEvent(txHash string, block int64) *types.WebhookEvent {
	return &types.WebhookEvent{
		TxHash:         txHash,
		Status:         types.StatusConfirmed,
		BlockTimestamp: "2026-01-02T15:04:05Z",
		BlockNumber:    block,
		Logs: []types.EventLog{
			{
				ContractAddress: "0xc0ffee",
				EventType:       "Transfer",
				Data:            map[string]string{"from": "0x1", "to": "0x2", "tokenId": "9"},
			},
		},
	}
}

func newTestProcessor(t *testing.T, store TransactionStore, clk clock.Clock) (*Processor, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProcessor(store, metrics, zap.NewNop(), WithProcessorClock(clk))
	t.Cleanup(p.Close)
	return p, metrics
}

func TestProcessUpdatesTransactionStatus(t *testing.T) {
	store := NewMemoryTransactionStore()
	store.Seed("0xabc")
	p, metrics := newTestProcessor(t, store, clock.NewMock())

	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	tx, err := store.FindByHash(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != types.StatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", tx.Status)
	}
	if tx.BlockNumber != 100 {
		t.Errorf("expected block 100, got %d", tx.BlockNumber)
	}
	if got := metrics.Snapshot().TotalProcessed; got != 1 {
		t.Errorf("expected 1 processed, got %d", got)
	}
}

func TestProcessSkipsDuplicateDeliveries(t *testing.T) {
	store := &flakyStore{MemoryTransactionStore: NewMemoryTransactionStore()}
	store.Seed("0xabc")
	p, metrics := newTestProcessor(t, store, clock.NewMock())

	event := confirmedEvent("0xabc", 100)
	if err := p.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	if store.calls() != 1 {
		t.Errorf("duplicate delivery must not reach the store, got %d updates", store.calls())
	}
	stats := metrics.Snapshot()
	if stats.TotalProcessed != 1 || stats.DuplicateCount != 1 {
		t.Errorf("expected 1 processed / 1 duplicate, got %d/%d",
			stats.TotalProcessed, stats.DuplicateCount)
	}

	// same transaction at a different block is a distinct event
	if err := p.Process(context.Background(), confirmedEvent("0xabc", 101)); err != nil {
		t.Fatal(err)
	}
	if store.calls() != 2 {
		t.Errorf("different block should be processed, got %d updates", store.calls())
	}
}

func TestProcessUnknownTransactionIsNoOp(t *testing.T) {
	store := NewMemoryTransactionStore()
	p, metrics := newTestProcessor(t, store, clock.NewMock())

	if err := p.Process(context.Background(), confirmedEvent("0xmissing", 5)); err != nil {
		t.Fatalf("unknown transaction should not be an error: %v", err)
	}
	if got := metrics.Snapshot().TotalFailed; got != 0 {
		t.Errorf("expected no failures, got %d", got)
	}
	if got := p.TrackedEvents(); got != 0 {
		t.Errorf("no-op delivery must not be marked processed, tracking %d", got)
	}
}

func TestRedeliveryAppliesOnceRecordExists(t *testing.T) {
	store := NewMemoryTransactionStore()
	p, metrics := newTestProcessor(t, store, clock.NewMock())

	// webhook arrives before the marketplace created the record
	event := confirmedEvent("0xabc", 100)
	if err := p.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	store.Seed("0xabc")
	if err := p.Process(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	tx, err := store.FindByHash(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != types.StatusConfirmed {
		t.Errorf("expected CONFIRMED on redelivery, got %s", tx.Status)
	}
	if got := metrics.Snapshot().DuplicateCount; got != 0 {
		t.Errorf("redelivery after a no-op must not count as duplicate, got %d", got)
	}
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryTransactionStore: NewMemoryTransactionStore(), failUpdates: 2}
	store.Seed("0xabc")
	clk := clock.NewMock()
	p, metrics := newTestProcessor(t, store, clk)

	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err == nil {
		t.Fatal("first attempt should fail")
	}

	clk.Add(1 * time.Second) // retry 1 fails
	clk.Add(2 * time.Second) // retry 2 succeeds

	tx, err := store.FindByHash(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != types.StatusConfirmed {
		t.Errorf("expected CONFIRMED after retries, got %s", tx.Status)
	}
	stats := metrics.Snapshot()
	if stats.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", stats.RetryCount)
	}
	if stats.TotalProcessed != 1 {
		t.Errorf("expected 1 processed, got %d", stats.TotalProcessed)
	}
}

func TestProcessGivesUpAfterRetryBudget(t *testing.T) {
	store := &flakyStore{MemoryTransactionStore: NewMemoryTransactionStore(), failUpdates: 4}
	store.Seed("0xabc")
	clk := clock.NewMock()
	p, metrics := newTestProcessor(t, store, clk)

	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err == nil {
		t.Fatal("first attempt should fail")
	}

	clk.Add(1 * time.Second)
	clk.Add(2 * time.Second)
	clk.Add(4 * time.Second)
	// past the budget, nothing more fires
	clk.Add(1 * time.Minute)

	if store.calls() != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", store.calls())
	}
	stats := metrics.Snapshot()
	if stats.TotalFailed != 1 {
		t.Errorf("expected 1 failed event, got %d", stats.TotalFailed)
	}
	if stats.RetryCount != 3 {
		t.Errorf("expected 3 retries, got %d", stats.RetryCount)
	}

	// the exhausted event was never processed, so a redelivery runs fresh
	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err != nil {
		t.Fatalf("redelivery after exhausted retries should run: %v", err)
	}
	tx, err := store.FindByHash(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != types.StatusConfirmed {
		t.Errorf("expected CONFIRMED after redelivery, got %s", tx.Status)
	}
}

func TestDedupEntriesExpire(t *testing.T) {
	store := NewMemoryTransactionStore()
	store.Seed("0xabc")
	clk := clock.NewMock()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProcessor(store, metrics, zap.NewNop(),
		WithProcessorClock(clk), WithDedupTTL(time.Minute))
	t.Cleanup(p.Close)

	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err != nil {
		t.Fatal(err)
	}
	if p.TrackedEvents() != 1 {
		t.Fatalf("expected 1 tracked id, got %d", p.TrackedEvents())
	}

	// let the TTL lapse and the sweep run
	time.Sleep(20 * time.Millisecond)
	clk.Add(15 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.TrackedEvents() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.TrackedEvents() != 0 {
		t.Fatalf("expected dedup table swept, still tracking %d", p.TrackedEvents())
	}

	// an expired id is processed again
	if err := p.Process(context.Background(), confirmedEvent("0xabc", 100)); err != nil {
		t.Fatal(err)
	}
	if got := metrics.Snapshot().TotalProcessed; got != 2 {
		t.Errorf("expected reprocessing after TTL, processed=%d", got)
	}
}

func TestStatsAcceptability(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	// fresh pipeline is acceptable by definition
	if !metrics.Snapshot().Acceptable() {
		t.Error("empty stats should be acceptable")
	}

	for i := 0; i < 99; i++ {
		metrics.RecordReceived()
		metrics.RecordProcessed(10 * time.Millisecond)
	}
	if !metrics.Snapshot().Acceptable() {
		t.Error("fast successful pipeline should be acceptable")
	}

	// one slow outlier pushes p99 over the target
	metrics.RecordReceived()
	metrics.RecordProcessed(900 * time.Millisecond)
	if metrics.Snapshot().Acceptable() {
		t.Error("p99 past 500ms should fail the target")
	}
}
