// Package sink persists check results and anomaly records.
//
// Sinks are write-side adapters: the monitoring engine produces results
// and hands them to whichever sink the deployment configured. All sinks
// are safe for concurrent use.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/metronome-io/metronome/internal/monitor"
)

// ErrSink is the root of all sink persistence failures.
var ErrSink = errors.New("sink error")

// ResultSink receives the output of monitoring runs.
type ResultSink interface {
	// SaveResult persists one check result.
	SaveResult(ctx context.Context, result monitor.CheckResult) error

	// SaveAnomalies persists the anomaly records produced by a check.
	// An empty slice is a no-op.
	SaveAnomalies(ctx context.Context, records []monitor.AnomalyRecord) error

	// Close releases the sink's resources. Subsequent saves fail.
	Close() error
}

// MemorySink retains results in memory. It backs tests and ad-hoc runs
// where no durable store is configured.
type MemorySink struct {
	mu        sync.Mutex
	results   []monitor.CheckResult
	anomalies []monitor.AnomalyRecord
	closed    bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// SaveResult appends the result to the in-memory log.
func (m *MemorySink) SaveResult(_ context.Context, result monitor.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: sink closed", ErrSink)
	}

	m.results = append(m.results, result)

	return nil
}

// SaveAnomalies appends the records to the in-memory log.
func (m *MemorySink) SaveAnomalies(_ context.Context, records []monitor.AnomalyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: sink closed", ErrSink)
	}

	m.anomalies = append(m.anomalies, records...)

	return nil
}

// Close marks the sink closed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// Results returns a copy of the stored check results.
func (m *MemorySink) Results() []monitor.CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]monitor.CheckResult, len(m.results))
	copy(out, m.results)

	return out
}

// Anomalies returns a copy of the stored anomaly records.
func (m *MemorySink) Anomalies() []monitor.AnomalyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]monitor.AnomalyRecord, len(m.anomalies))
	copy(out, m.anomalies)

	return out
}
