package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Commands
	commits           atomic.Uint64
	validationErrors  atomic.Uint64
	insufficientFunds atomic.Uint64
	idempotentReplays atomic.Uint64

	// Concurrency control
	versionConflicts  atomic.Uint64
	conflictsExceeded atomic.Uint64
	rebuilds          atomic.Uint64

	// Read models and feed
	projectionErrors atomic.Uint64
	feedDropped      atomic.Uint64
	feedGaps         atomic.Uint64
	errorsTotal      atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	feedClients atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCommit records a committed command with its latency.
func (m *Metrics) RecordCommit(latency time.Duration) {
	m.commits.Add(1)
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

func (m *Metrics) RecordValidationError() { m.validationErrors.Add(1) }

func (m *Metrics) RecordInsufficientFunds() { m.insufficientFunds.Add(1) }

func (m *Metrics) RecordIdempotentReplay() { m.idempotentReplays.Add(1) }

// RecordVersionConflict records one lost optimistic append.
func (m *Metrics) RecordVersionConflict() { m.versionConflicts.Add(1) }

// RecordConflictExceeded records a command that ran out of append attempts.
func (m *Metrics) RecordConflictExceeded() { m.conflictsExceeded.Add(1) }

func (m *Metrics) RecordRebuild() { m.rebuilds.Add(1) }

func (m *Metrics) RecordProjectionError() { m.projectionErrors.Add(1) }

func (m *Metrics) RecordFeedDropped() { m.feedDropped.Add(1) }

func (m *Metrics) RecordFeedGap() { m.feedGaps.Add(1) }

// RecordError records an unexpected fault.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// IncrementFeedClients increments connected feed clients by 1.
func (m *Metrics) IncrementFeedClients() { m.feedClients.Add(1) }

// DecrementFeedClients decrements connected feed clients by 1.
func (m *Metrics) DecrementFeedClients() { m.feedClients.Add(-1) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Commits           uint64    `json:"commits"`
	ValidationErrors  uint64    `json:"validation_errors"`
	InsufficientFunds uint64    `json:"insufficient_funds"`
	IdempotentReplays uint64    `json:"idempotent_replays"`
	VersionConflicts  uint64    `json:"version_conflicts"`
	ConflictsExceeded uint64    `json:"conflicts_exceeded"`
	Rebuilds          uint64    `json:"rebuilds"`
	ProjectionErrors  uint64    `json:"projection_errors"`
	FeedDropped       uint64    `json:"feed_dropped"`
	FeedGaps          uint64    `json:"feed_gaps"`
	ErrorsTotal       uint64    `json:"errors_total"`
	AvgCommitNs       int64     `json:"avg_commit_ns"`
	FeedClients       int32     `json:"feed_clients"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		Commits:           m.commits.Load(),
		ValidationErrors:  m.validationErrors.Load(),
		InsufficientFunds: m.insufficientFunds.Load(),
		IdempotentReplays: m.idempotentReplays.Load(),
		VersionConflicts:  m.versionConflicts.Load(),
		ConflictsExceeded: m.conflictsExceeded.Load(),
		Rebuilds:          m.rebuilds.Load(),
		ProjectionErrors:  m.projectionErrors.Load(),
		FeedDropped:       m.feedDropped.Load(),
		FeedGaps:          m.feedGaps.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgCommitNs:       avgLatency,
		FeedClients:       m.feedClients.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.commits.Store(0)
	m.validationErrors.Store(0)
	m.insufficientFunds.Store(0)
	m.idempotentReplays.Store(0)
	m.versionConflicts.Store(0)
	m.conflictsExceeded.Store(0)
	m.rebuilds.Store(0)
	m.projectionErrors.Store(0)
	m.feedDropped.Store(0)
	m.feedGaps.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedClients.Store(0)
}
