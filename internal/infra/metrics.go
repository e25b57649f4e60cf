package infra

import (
	"sync/atomic"
	"time"

	"trading_sim/internal/domain"
)

// Metrics is the observability sink for the engine.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Scheduler
	ticksRun     atomic.Uint64
	ticksDropped atomic.Uint64
	taskFailures atomic.Uint64

	// Refresh
	refreshesRun   atomic.Uint64
	domainFailures atomic.Uint64
	staleDiscarded atomic.Uint64

	// Trades
	tradesSubmitted atomic.Uint64
	tradesDenied    atomic.Uint64
	tradesRejected  atomic.Uint64
	tradesFailed    atomic.Uint64

	// Ledger latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	feedClients atomic.Int32
}

// GlobalMetrics is the default metrics instance.
var GlobalMetrics = &Metrics{}

// RecordTick records a scheduled action that started.
func (m *Metrics) RecordTick() { m.ticksRun.Add(1) }

// RecordDroppedTick records a tick collapsed because the task was in flight.
func (m *Metrics) RecordDroppedTick() { m.ticksDropped.Add(1) }

// RecordTaskFailure records a scheduled action that returned an error.
func (m *Metrics) RecordTaskFailure() { m.taskFailures.Add(1) }

// RecordRefresh records one full multi-domain refresh.
func (m *Metrics) RecordRefresh() { m.refreshesRun.Add(1) }

// RecordDomainFailure records one domain that degraded to its empty default.
func (m *Metrics) RecordDomainFailure() { m.domainFailures.Add(1) }

// RecordStale records a response discarded because its scope was superseded.
func (m *Metrics) RecordStale() { m.staleDiscarded.Add(1) }

// RecordTrade records the terminal state of a submission attempt.
func (m *Metrics) RecordTrade(status domain.TradeStatus) {
	switch status {
	case domain.TradeAccepted:
		m.tradesSubmitted.Add(1)
	case domain.TradeDenied:
		m.tradesDenied.Add(1)
	case domain.TradeRejected:
		m.tradesSubmitted.Add(1)
		m.tradesRejected.Add(1)
	case domain.TradeFailed:
		m.tradesSubmitted.Add(1)
		m.tradesFailed.Add(1)
	}
}

// RecordLatency records one ledger round trip.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.latencySumNs.Add(d.Nanoseconds())
	m.latencyCount.Add(1)
}

// IncrementFeedClients increments connected feed clients by 1.
func (m *Metrics) IncrementFeedClients() { m.feedClients.Add(1) }

// DecrementFeedClients decrements connected feed clients by 1.
func (m *Metrics) DecrementFeedClients() { m.feedClients.Add(-1) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksRun        uint64    `json:"ticks_run"`
	TicksDropped    uint64    `json:"ticks_dropped"`
	TaskFailures    uint64    `json:"task_failures"`
	RefreshesRun    uint64    `json:"refreshes_run"`
	DomainFailures  uint64    `json:"domain_failures"`
	StaleDiscarded  uint64    `json:"stale_discarded"`
	TradesSubmitted uint64    `json:"trades_submitted"`
	TradesDenied    uint64    `json:"trades_denied"`
	TradesRejected  uint64    `json:"trades_rejected"`
	TradesFailed    uint64    `json:"trades_failed"`
	AvgLatencyNs    int64     `json:"avg_latency_ns"`
	FeedClients     int32     `json:"feed_clients"`
	Timestamp       time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		TicksRun:        m.ticksRun.Load(),
		TicksDropped:    m.ticksDropped.Load(),
		TaskFailures:    m.taskFailures.Load(),
		RefreshesRun:    m.refreshesRun.Load(),
		DomainFailures:  m.domainFailures.Load(),
		StaleDiscarded:  m.staleDiscarded.Load(),
		TradesSubmitted: m.tradesSubmitted.Load(),
		TradesDenied:    m.tradesDenied.Load(),
		TradesRejected:  m.tradesRejected.Load(),
		TradesFailed:    m.tradesFailed.Load(),
		AvgLatencyNs:    avgLatency,
		FeedClients:     m.feedClients.Load(),
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksRun.Store(0)
	m.ticksDropped.Store(0)
	m.taskFailures.Store(0)
	m.refreshesRun.Store(0)
	m.domainFailures.Store(0)
	m.staleDiscarded.Store(0)
	m.tradesSubmitted.Store(0)
	m.tradesDenied.Store(0)
	m.tradesRejected.Store(0)
	m.tradesFailed.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedClients.Store(0)
}
