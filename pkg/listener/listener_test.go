package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/pkg/chain"
	"github.com/nftopia/ingest-go/pkg/queue"
	"github.com/nftopia/ingest-go/pkg/types"
)

type fakeProvider struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	eventFn func(from, to uint64) ([]types.ChainEvent, error)
	ranges  [][2]uint64
}

func (p *fakeProvider) BlockNumber(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.headErr != nil {
		return 0, p.headErr
	}
	return p.head, nil
}

func (p *fakeProvider) Events(_ context.Context, _ string, from, to uint64) ([]types.ChainEvent, error) {
	p.mu.Lock()
	p.ranges = append(p.ranges, [2]uint64{from, to})
	fn := p.eventFn
	p.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(from, to)
}

func (p *fakeProvider) Close() {}

func (p *fakeProvider) setHead(head uint64) {
	p.mu.Lock()
	p.head = head
	p.mu.Unlock()
}

func (p *fakeProvider) fetchedRanges() [][2]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]uint64, len(p.ranges))
	copy(out, p.ranges)
	return out
}

type captureProducer struct {
	mu         sync.Mutex
	alwaysFail bool
	calls      int
	queues     []string
}

func (p *captureProducer) Enqueue(_ context.Context, q string, _ any, _ ...queue.JobOption) (*queue.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.alwaysFail {
		return nil, errors.New("enqueue refused")
	}
	p.queues = append(p.queues, q)
	return &queue.Job{ID: "job-1", Queue: q}, nil
}

func (p *captureProducer) RegisterWorker(string, queue.WorkerFunc) error { return nil }

func (p *captureProducer) Status(context.Context, string) (*queue.QueueStatus, error) {
	return &queue.QueueStatus{}, nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) setFailing(fail bool) {
	p.mu.Lock()
	p.alwaysFail = fail
	p.mu.Unlock()
}

func (p *captureProducer) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *captureProducer) delivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

func transferEvent(block uint64) types.ChainEvent {
	return types.ChainEvent{
		Name:        "Transfer",
		Data:        map[string]string{"from": "0x1", "to": "0x2", "tokenId": "7"},
		BlockNumber: block,
		TxHash:      fmt.Sprintf("0xabc%d", block),
	}
}

func newTestListener(t *testing.T, provider *fakeProvider, producer *captureProducer, clk clock.Clock) *Listener {
	t.Helper()
	cfg := Config{
		Contract: "nft",
		Address:  "0xdead",
		Queue:    "events",
	}
	return New(cfg, provider, producer, zap.NewNop(), WithClock(clk))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartAdoptsHeadOnFirstRun(t *testing.T) {
	provider := &fakeProvider{head: 1000}
	producer := &captureProducer{}
	l := newTestListener(t, provider, producer, clock.NewMock())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	h := l.Health()
	if !h.IsListening {
		t.Error("expected listener to be listening")
	}
	if h.LastProcessedBlock != 1000 {
		t.Errorf("expected lastProcessedBlock 1000, got %d", h.LastProcessedBlock)
	}
	if got := provider.fetchedRanges(); len(got) != 0 {
		t.Errorf("first run should not backfill, fetched %v", got)
	}

	// starting again is a no-op
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
}

func TestStartFailsWhenProviderUnavailable(t *testing.T) {
	provider := &fakeProvider{headErr: errors.New("connection refused")}
	l := newTestListener(t, provider, &captureProducer{}, clock.NewMock())

	err := l.Start(context.Background())
	if !errors.Is(err, chain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if l.Health().IsListening {
		t.Error("failed start must not leave the listener marked as listening")
	}
}

func TestRecoverBatchesAndSkipsFailedRange(t *testing.T) {
	provider := &fakeProvider{
		eventFn: func(from, to uint64) ([]types.ChainEvent, error) {
			if from == 200 {
				return nil, errors.New("range unavailable")
			}
			return []types.ChainEvent{transferEvent(from)}, nil
		},
	}
	producer := &captureProducer{}
	l := newTestListener(t, provider, producer, clock.NewMock())

	l.Recover(context.Background(), 100, 399)

	want := [][2]uint64{{100, 199}, {200, 299}, {300, 399}}
	got := provider.fetchedRanges()
	if len(got) != len(want) {
		t.Fatalf("expected %d batches, got %v", len(want), got)
	}
	for i, r := range want {
		if got[i] != r {
			t.Errorf("batch %d: expected %v, got %v", i, r, got[i])
		}
	}

	// one batch failed but the watermark still advances to the end
	if h := l.Health(); h.LastProcessedBlock != 399 {
		t.Errorf("expected lastProcessedBlock 399, got %d", h.LastProcessedBlock)
	}
	if producer.delivered() != 2 {
		t.Errorf("expected 2 delivered events, got %d", producer.delivered())
	}
}

func TestRecoverNeverMovesWatermarkBackwards(t *testing.T) {
	l := newTestListener(t, &fakeProvider{}, &captureProducer{}, clock.NewMock())

	l.Recover(context.Background(), 1, 500)
	l.Recover(context.Background(), 1, 100)

	if h := l.Health(); h.LastProcessedBlock != 500 {
		t.Errorf("expected lastProcessedBlock 500, got %d", h.LastProcessedBlock)
	}
}

func TestProcessEventResetsFailureCount(t *testing.T) {
	producer := &captureProducer{alwaysFail: true}
	clk := clock.NewMock()
	l := newTestListener(t, &fakeProvider{}, producer, clk)

	l.ProcessEvent(context.Background(), transferEvent(1))
	l.ProcessEvent(context.Background(), transferEvent(2))
	if h := l.Health(); h.FailureCount != 2 {
		t.Fatalf("expected failureCount 2, got %d", h.FailureCount)
	}

	producer.setFailing(false)
	l.ProcessEvent(context.Background(), transferEvent(3))
	if h := l.Health(); h.FailureCount != 0 {
		t.Errorf("a success must reset failureCount, got %d", h.FailureCount)
	}
}

func TestValidationFailureIsDroppedNotCounted(t *testing.T) {
	producer := &captureProducer{}
	l := newTestListener(t, &fakeProvider{}, producer, clock.NewMock())

	// Transfer without tokenId fails the nft rules
	l.ProcessEvent(context.Background(), types.ChainEvent{
		Name:        "Transfer",
		Data:        map[string]string{"from": "0x1", "to": "0x2"},
		BlockNumber: 1,
		TxHash:      "0x1",
	})

	if producer.attempts() != 0 {
		t.Error("invalid event must not reach the queue")
	}
	if h := l.Health(); h.FailureCount != 0 {
		t.Errorf("validation failures must not count toward the breaker, got %d", h.FailureCount)
	}

	// unknown event names pass through
	l.ProcessEvent(context.Background(), types.ChainEvent{
		Name:        "SomethingNew",
		Data:        map[string]string{},
		BlockNumber: 2,
		TxHash:      "0x2",
	})
	if producer.delivered() != 1 {
		t.Errorf("unknown event should be dispatched, delivered %d", producer.delivered())
	}
}

func TestCircuitBreakerOpensAndAutoResets(t *testing.T) {
	producer := &captureProducer{alwaysFail: true}
	clk := clock.NewMock()
	l := newTestListener(t, &fakeProvider{}, producer, clk)

	for i := uint64(1); i <= 5; i++ {
		l.ProcessEvent(context.Background(), transferEvent(i))
	}
	h := l.Health()
	if !h.CircuitOpen {
		t.Fatalf("expected circuit open after 5 failures, failureCount=%d", h.FailureCount)
	}

	// while open, events are skipped entirely
	before := producer.attempts()
	l.ProcessEvent(context.Background(), transferEvent(6))
	if producer.attempts() != before {
		t.Error("open circuit must short-circuit before dispatch")
	}

	// let retries succeed and the reset timer fire
	producer.setFailing(false)
	clk.Add(15 * time.Second)

	h = l.Health()
	if h.CircuitOpen {
		t.Error("circuit should close after the reset timeout")
	}
	if h.FailureCount != 0 {
		t.Errorf("reset must zero failureCount, got %d", h.FailureCount)
	}

	delivered := producer.delivered()
	l.ProcessEvent(context.Background(), transferEvent(7))
	if producer.delivered() != delivered+1 {
		t.Error("listener should process events again after reset")
	}
}

func TestRetryBackoffStopsAfterBudget(t *testing.T) {
	producer := &captureProducer{alwaysFail: true}
	clk := clock.NewMock()
	l := newTestListener(t, &fakeProvider{}, producer, clk)

	l.ProcessEvent(context.Background(), transferEvent(1))
	if producer.attempts() != 1 {
		t.Fatalf("expected 1 attempt, got %d", producer.attempts())
	}

	clk.Add(1 * time.Second)
	if producer.attempts() != 2 {
		t.Fatalf("expected retry after 1s, attempts=%d", producer.attempts())
	}
	clk.Add(2 * time.Second)
	if producer.attempts() != 3 {
		t.Fatalf("expected retry after 2s, attempts=%d", producer.attempts())
	}
	clk.Add(4 * time.Second)
	if producer.attempts() != 4 {
		t.Fatalf("expected retry after 4s, attempts=%d", producer.attempts())
	}

	// budget exhausted, no further attempts
	clk.Add(1 * time.Minute)
	if producer.attempts() != 4 {
		t.Errorf("retries must stop after the budget, attempts=%d", producer.attempts())
	}
}

func TestSuccessfulRetryDecrementsFailureCount(t *testing.T) {
	producer := &captureProducer{alwaysFail: true}
	clk := clock.NewMock()
	l := newTestListener(t, &fakeProvider{}, producer, clk)

	l.ProcessEvent(context.Background(), transferEvent(1))
	l.ProcessEvent(context.Background(), transferEvent(2))
	if h := l.Health(); h.FailureCount != 2 {
		t.Fatalf("expected failureCount 2, got %d", h.FailureCount)
	}

	producer.setFailing(false)
	clk.Add(1 * time.Second)

	if h := l.Health(); h.FailureCount != 0 {
		t.Errorf("two successful retries should drain the counter, got %d", h.FailureCount)
	}
}

func TestPollLoopRecoversNewBlocks(t *testing.T) {
	provider := &fakeProvider{head: 100}
	producer := &captureProducer{}
	clk := clock.NewMock()
	l := newTestListener(t, provider, producer, clk)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	// give the poll goroutine time to arm its ticker before advancing
	time.Sleep(20 * time.Millisecond)
	provider.setHead(105)
	clk.Add(5 * time.Second)

	eventually(t, func() bool {
		return l.Health().LastProcessedBlock == 105
	}, "poll loop never recovered blocks 101-105")

	ranges := provider.fetchedRanges()
	if len(ranges) != 1 || ranges[0] != [2]uint64{101, 105} {
		t.Errorf("expected a single fetch of [101 105], got %v", ranges)
	}
}

func TestPollErrorsTripBreaker(t *testing.T) {
	provider := &fakeProvider{head: 100}
	producer := &captureProducer{}
	clk := clock.NewMock()
	l := newTestListener(t, provider, producer, clk)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	time.Sleep(20 * time.Millisecond)
	provider.mu.Lock()
	provider.headErr = errors.New("rpc down")
	provider.mu.Unlock()

	for i := 0; i < 5; i++ {
		clk.Add(5 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	eventually(t, func() bool {
		return l.Health().CircuitOpen
	}, "repeated poll failures should open the circuit")
}

func TestStopHaltsFutureScheduling(t *testing.T) {
	provider := &fakeProvider{head: 100}
	l := newTestListener(t, provider, &captureProducer{}, clock.NewMock())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	l.Stop()

	if l.Health().IsListening {
		t.Error("expected listener to report stopped")
	}
}

func TestMemoryStoreReceivesProcessedEvents(t *testing.T) {
	store := NewMemoryStore(10)
	producer := &captureProducer{}
	cfg := Config{Contract: "nft", Address: "0xdead", Queue: "events"}
	l := New(cfg, &fakeProvider{}, producer, zap.NewNop(),
		WithClock(clock.NewMock()), WithEventStore(store))

	l.ProcessEvent(context.Background(), transferEvent(42))

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
	if events[0].TxHash != "0xabc42" || events[0].ContractName != "nft" {
		t.Errorf("unexpected stored event: %+v", events[0])
	}
}

func TestSupervisorStartsHealthyListenersDespiteFailures(t *testing.T) {
	good := &fakeProvider{head: 10}
	bad := &fakeProvider{headErr: errors.New("unreachable")}
	producer := &captureProducer{}
	clk := clock.NewMock()

	sup := NewSupervisor(zap.NewNop())
	sup.Add(New(Config{Contract: "nft", Address: "0x1", Queue: "q"}, good, producer, zap.NewNop(), WithClock(clk)))
	sup.Add(New(Config{Contract: "auction", Address: "0x2", Queue: "q"}, bad, producer, zap.NewNop(), WithClock(clk)))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate partial failure: %v", err)
	}
	defer sup.Stop()

	health := sup.Health()
	if len(health) != 2 {
		t.Fatalf("expected 2 health entries, got %d", len(health))
	}
	if !health["nft"].IsListening {
		t.Error("nft listener should be running")
	}
	if health["auction"].IsListening {
		t.Error("auction listener should have failed to start")
	}
}

func TestSupervisorWithNoListeners(t *testing.T) {
	sup := NewSupervisor(zap.NewNop())
	if err := sup.Start(context.Background()); !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
}
