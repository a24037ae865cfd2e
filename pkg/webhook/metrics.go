package webhook

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nftopia/ingest-go/internal/constants"
)

// Stats is a point-in-time summary of webhook processing.
type Stats struct {
	TotalReceived       uint64  `json:"totalReceived"`
	TotalProcessed      uint64  `json:"totalProcessed"`
	TotalFailed         uint64  `json:"totalFailed"`
	RetryCount          uint64  `json:"retryCount"`
	DuplicateCount      uint64  `json:"duplicateCount"`
	EventBacklog        int     `json:"eventBacklog"`
	SuccessRate         float64 `json:"successRate"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
	P99ProcessingTimeMs float64 `json:"p99ProcessingTimeMs"`
}

// Acceptable reports whether processing meets the service target: p99 under
// 500ms and success rate above 95%.
func (s Stats) Acceptable() bool {
	return s.P99ProcessingTimeMs < float64(constants.SlowEventThreshold/time.Millisecond) &&
		s.SuccessRate > 95
}

// Metrics tracks webhook pipeline counters. It keeps an internal sliding
// latency window for the health endpoint and mirrors everything to
// Prometheus.
type Metrics struct {
	mu        sync.Mutex
	received  uint64
	processed uint64
	failed    uint64
	retries   uint64
	dupes     uint64
	backlog   int
	samples   []float64 // recent processing times in ms

	// Prometheus mirrors
	ReceivedTotal   prometheus.Counter
	ProcessedTotal  prometheus.Counter
	FailedTotal     prometheus.Counter
	RetriesTotal    prometheus.Counter
	DuplicatesTotal prometheus.Counter
	RejectedTotal   *prometheus.CounterVec
	Backlog         prometheus.Gauge
	ProcessingTime  prometheus.Histogram
}

// NewMetrics creates and registers webhook metrics. A nil registerer uses
// the default registry; tests pass their own to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Total number of webhook events accepted for processing",
		}),
		ProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "processed_total",
			Help:      "Total number of webhook events processed successfully",
		}),
		FailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "failed_total",
			Help:      "Total number of webhook events that exhausted processing retries",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "retries_total",
			Help:      "Total number of webhook processing retries",
		}),
		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "duplicates_total",
			Help:      "Total number of duplicate webhook events skipped",
		}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Total number of webhook requests rejected before processing",
		}, []string{"reason"}),
		Backlog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "backlog",
			Help:      "Webhook events waiting for a background worker",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "webhook",
			Name:      "processing_seconds",
			Help:      "Webhook event processing duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordReceived counts an accepted event entering the backlog.
func (m *Metrics) RecordReceived() {
	m.mu.Lock()
	m.received++
	m.backlog++
	m.mu.Unlock()
	m.ReceivedTotal.Inc()
	m.Backlog.Inc()
}

// RecordProcessed counts a successful processing run and its latency.
func (m *Metrics) RecordProcessed(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	m.mu.Lock()
	m.processed++
	m.backlog--
	m.samples = append(m.samples, ms)
	if len(m.samples) > constants.ProcessingTimeHistorySize {
		m.samples = m.samples[1:]
	}
	m.mu.Unlock()
	m.ProcessedTotal.Inc()
	m.Backlog.Dec()
	m.ProcessingTime.Observe(elapsed.Seconds())
}

// RecordFailed counts an event whose retries are exhausted.
func (m *Metrics) RecordFailed() {
	m.mu.Lock()
	m.failed++
	m.backlog--
	m.mu.Unlock()
	m.FailedTotal.Inc()
	m.Backlog.Dec()
}

// RecordRetry counts one retry attempt.
func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
	m.RetriesTotal.Inc()
}

// RecordDuplicate counts a skipped duplicate delivery.
func (m *Metrics) RecordDuplicate() {
	m.mu.Lock()
	m.dupes++
	m.backlog--
	m.mu.Unlock()
	m.DuplicatesTotal.Inc()
	m.Backlog.Dec()
}

// RecordRejected counts a request turned away before processing.
func (m *Metrics) RecordRejected(reason string) {
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// Snapshot computes the current stats.
func (m *Metrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalReceived:  m.received,
		TotalProcessed: m.processed,
		TotalFailed:    m.failed,
		RetryCount:     m.retries,
		DuplicateCount: m.dupes,
		EventBacklog:   m.backlog,
	}

	attempts := m.processed + m.failed
	if attempts == 0 {
		s.SuccessRate = 100
	} else {
		s.SuccessRate = float64(m.processed) / float64(attempts) * 100
	}

	if len(m.samples) > 0 {
		sorted := make([]float64, len(m.samples))
		copy(sorted, m.samples)
		sort.Float64s(sorted)

		var sum float64
		for _, v := range sorted {
			sum += v
		}
		s.AvgProcessingTimeMs = sum / float64(len(sorted))

		idx := int(float64(len(sorted)) * 0.99)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		s.P99ProcessingTimeMs = sorted[idx]
	}
	return s
}
