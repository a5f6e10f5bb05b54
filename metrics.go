package nvme

import (
	"sync/atomic"
	"time"
)

// latencyBuckets are upper bounds (inclusive) for the oneshot command
// latency histogram, spanning 10us to 1s.
var latencyBuckets = [...]time.Duration{
	10 * time.Microsecond,
	50 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

// Metrics accumulates counters for a controller's command traffic.
// All fields are safe for concurrent use.
type Metrics struct {
	commandsExecuted atomic.Uint64
	commandErrors    atomic.Uint64
	aenDispatched    atomic.Uint64

	latencyBuckets [len(latencyBuckets) + 1]atomic.Uint64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCommand records one oneshot command execution, bucketing its
// latency and counting it as an error if err is non-nil.
func (m *Metrics) RecordCommand(latency time.Duration, err error) {
	m.commandsExecuted.Add(1)
	if err != nil {
		m.commandErrors.Add(1)
	}

	idx := len(latencyBuckets)
	for i, bound := range latencyBuckets {
		if latency <= bound {
			idx = i
			break
		}
	}
	m.latencyBuckets[idx].Add(1)
}

// RecordAENDispatch records one delivered Asynchronous Event Request
// completion.
func (m *Metrics) RecordAENDispatch() {
	m.aenDispatched.Add(1)
}

// Snapshot is a point-in-time copy of a Metrics' counters.
type Snapshot struct {
	CommandsExecuted uint64
	CommandErrors    uint64
	AENDispatched    uint64
	LatencyHistogram map[time.Duration]uint64
}

// Snapshot returns a copy of the current counter values. The
// histogram key is the bucket's upper bound; the final bucket (for
// latencies above the largest bound) is keyed by 0.
func (m *Metrics) Snapshot() Snapshot {
	hist := make(map[time.Duration]uint64, len(latencyBuckets)+1)
	for i, bound := range latencyBuckets {
		if v := m.latencyBuckets[i].Load(); v > 0 {
			hist[bound] = v
		}
	}
	if v := m.latencyBuckets[len(latencyBuckets)].Load(); v > 0 {
		hist[0] = v
	}

	return Snapshot{
		CommandsExecuted: m.commandsExecuted.Load(),
		CommandErrors:    m.commandErrors.Load(),
		AENDispatched:    m.aenDispatched.Load(),
		LatencyHistogram: hist,
	}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.commandsExecuted.Store(0)
	m.commandErrors.Store(0)
	m.aenDispatched.Store(0)
	for i := range m.latencyBuckets {
		m.latencyBuckets[i].Store(0)
	}
}
