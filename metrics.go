package dispatcher

import (
	"expvar"
	"sync"
)

var (
	connectionMetrics = new(expvar.Map)

	connectionsActiveGauge = new(expvar.Int)
	callsIssuedCount       = new(expvar.Int)
	callsDispatchedCount   = new(expvar.Int)
	callErrorsCount        = new(expvar.Int)
	bytesReadCount         = new(expvar.Int)
	bytesWrittenCount      = new(expvar.Int)
	eventsEmittedCount     = new(expvar.Int)
	eventsDeliveredCount   = new(expvar.Int)
)

func init() {
	connectionMetrics.Set("connections_active", connectionsActiveGauge)
	connectionMetrics.Set("calls_issued", callsIssuedCount)
	connectionMetrics.Set("calls_dispatched", callsDispatchedCount)
	connectionMetrics.Set("call_errors", callErrorsCount)
	connectionMetrics.Set("bytes_read", bytesReadCount)
	connectionMetrics.Set("bytes_written", bytesWrittenCount)
	connectionMetrics.Set("events_emitted", eventsEmittedCount)
	connectionMetrics.Set("events_delivered", eventsDeliveredCount)
}

// ConnectionMetrics returns a map of exported connection metrics for use
// with the expvar package. This map is shared among all connections created
// in the process. The caller is responsible for publishing it to the
// exporter via expvar.Publish.
func ConnectionMetrics() *expvar.Map { return connectionMetrics }

// A Metrics value collects counters and maximum value trackers for a single
// Connection. A nil *Metrics is valid, and discards all metrics. A *Metrics
// value is safe for concurrent use by multiple goroutines.
type Metrics struct {
	mu      sync.Mutex
	counter map[string]int64
	maxVal  map[string]int64
}

// NewMetrics creates a new, empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{counter: make(map[string]int64), maxVal: make(map[string]int64)}
}

// Count adds n to the current value of the counter named, defining the
// counter if it does not already exist.
func (m *Metrics) Count(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.counter[name] += n
	}
}

// SetMaxValue sets the maximum value metric named to the greater of n and
// its current value, defining the value if it does not already exist.
func (m *Metrics) SetMaxValue(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n > m.maxVal[name] {
			m.maxVal[name] = n
		}
	}
}

// Snapshot copies an atomic snapshot of the counters and max value trackers
// into the provided non-nil maps.
func (m *Metrics) Snapshot(counters, maxValues map[string]int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		for name, val := range m.counter {
			counters[name] = val
		}
		for name, val := range m.maxVal {
			maxValues[name] = val
		}
	}
}
