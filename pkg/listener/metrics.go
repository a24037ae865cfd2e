package listener

import (
	"sync"
	"time"

	"github.com/nftopia/ingest-go/internal/constants"
)

// Performance summarizes a listener's recent event processing latencies.
type Performance struct {
	AvgProcessingTimeMs int64 `json:"avgProcessingTime"`
	MaxProcessingTimeMs int64 `json:"maxProcessingTime"`
	EventsProcessed     int   `json:"eventsProcessed"`
	SlowEventsCount     int   `json:"slowEventsCount"`
}

// perfTracker keeps a bounded rolling window of processing latencies.
type perfTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	limit   int
}

func newPerfTracker(limit int) *perfTracker {
	if limit <= 0 {
		limit = constants.PerformanceHistorySize
	}
	return &perfTracker{
		samples: make([]time.Duration, 0, limit),
		limit:   limit,
	}
}

// record adds one latency sample, evicting the oldest once the window is full.
func (p *perfTracker) record(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) < p.limit {
		p.samples = append(p.samples, d)
		return
	}
	p.samples[p.next] = d
	p.next = (p.next + 1) % p.limit
}

// snapshot computes the current performance summary.
func (p *perfTracker) snapshot() Performance {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) == 0 {
		return Performance{}
	}

	var sum, max time.Duration
	slow := 0
	for _, d := range p.samples {
		sum += d
		if d > max {
			max = d
		}
		if d > constants.SlowEventThreshold {
			slow++
		}
	}

	n := len(p.samples)
	return Performance{
		AvgProcessingTimeMs: (sum / time.Duration(n)).Milliseconds(),
		MaxProcessingTimeMs: max.Milliseconds(),
		EventsProcessed:     n,
		SlowEventsCount:     slow,
	}
}
