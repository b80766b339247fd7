package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ordersAccepted    atomic.Uint64
	ordersRejected    atomic.Uint64
	fillsApplied      atomic.Uint64
	duplicatesSkipped atomic.Uint64
	sinkWrites        atomic.Uint64
	sinkRetries       atomic.Uint64
	deadLetters       atomic.Uint64
	errorsTotal       atomic.Uint64

	// Latency tracking (risk evaluation)
	evalLatencySumNs atomic.Int64
	evalLatencyCount atomic.Uint64

	// Gauges
	reorderBuffered atomic.Int64
	feedClients     atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordDecision records a risk evaluation with latency.
func (m *Metrics) RecordDecision(accepted bool, latencyNs int64) {
	if accepted {
		m.ordersAccepted.Add(1)
	} else {
		m.ordersRejected.Add(1)
	}
	m.evalLatencySumNs.Add(latencyNs)
	m.evalLatencyCount.Add(1)
}

// RecordFillApplied records a settled execution.
func (m *Metrics) RecordFillApplied() {
	m.fillsApplied.Add(1)
}

// RecordDuplicate records an execution skipped as already applied.
func (m *Metrics) RecordDuplicate() {
	m.duplicatesSkipped.Add(1)
}

// RecordSinkWrite records a successful sink delivery.
func (m *Metrics) RecordSinkWrite() {
	m.sinkWrites.Add(1)
}

// RecordSinkRetry records a failed sink attempt that will be retried.
func (m *Metrics) RecordSinkRetry() {
	m.sinkRetries.Add(1)
}

// RecordDeadLetter records a message moved to the dead-letter topic.
func (m *Metrics) RecordDeadLetter() {
	m.deadLetters.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// AddReorderBuffered adjusts the reorder buffer depth gauge.
func (m *Metrics) AddReorderBuffered(delta int64) {
	m.reorderBuffered.Add(delta)
}

// IncrementFeedClients increments connected feed clients by 1.
func (m *Metrics) IncrementFeedClients() {
	m.feedClients.Add(1)
}

// DecrementFeedClients decrements connected feed clients by 1.
func (m *Metrics) DecrementFeedClients() {
	m.feedClients.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OrdersAccepted    uint64
	OrdersRejected    uint64
	FillsApplied      uint64
	DuplicatesSkipped uint64
	SinkWrites        uint64
	SinkRetries       uint64
	DeadLetters       uint64
	ErrorsTotal       uint64
	AvgEvalLatencyNs  int64
	ReorderBuffered   int64
	FeedClients       int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		OrdersAccepted:    m.ordersAccepted.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		FillsApplied:      m.fillsApplied.Load(),
		DuplicatesSkipped: m.duplicatesSkipped.Load(),
		SinkWrites:        m.sinkWrites.Load(),
		SinkRetries:       m.sinkRetries.Load(),
		DeadLetters:       m.deadLetters.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ReorderBuffered:   m.reorderBuffered.Load(),
		FeedClients:       m.feedClients.Load(),
		Timestamp:         time.Now(),
	}
	if count := m.evalLatencyCount.Load(); count > 0 {
		s.AvgEvalLatencyNs = m.evalLatencySumNs.Load() / int64(count)
	}
	return s
}
