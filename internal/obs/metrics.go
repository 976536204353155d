package obs

import "sync"

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// CountingMeter is a Meter that keeps every measurement it has seen in
// memory, for tests that want to assert a Client or Server actually
// reported what it claims to.
type CountingMeter struct {
	mu         sync.Mutex
	counters   []Measurement
	histograms []Measurement
}

// Measurement is one recorded Counter or Histogram call.
type Measurement struct {
	Name   string
	Value  float64
	Labels []Label
}

func (m *CountingMeter) Counter(name string, value float64, labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, Measurement{Name: name, Value: value, Labels: labels})
}

func (m *CountingMeter) Histogram(name string, value float64, labels ...Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, Measurement{Name: name, Value: value, Labels: labels})
}

// Counters returns every Counter call recorded so far, in order.
func (m *CountingMeter) Counters() []Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Measurement(nil), m.counters...)
}

// Histograms returns every Histogram call recorded so far, in order.
func (m *CountingMeter) Histograms() []Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Measurement(nil), m.histograms...)
}

