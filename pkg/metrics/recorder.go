package metrics

import (
	"sort"
	"sync"
	"time"
)

// Recorder keeps running totals in memory and forwards every sample to an
// optional next exporter. The CLI uses it to print a run summary.
type Recorder struct {
	mu       sync.Mutex
	next     Exporter
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]time.Duration
}

// NewRecorder creates a recorder. next may be nil.
func NewRecorder(next Exporter) *Recorder {
	return &Recorder{
		next:     next,
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]time.Duration),
	}
}

// Counter adds value to the named total.
func (r *Recorder) Counter(name string, value int64, tags map[string]string) {
	r.mu.Lock()
	r.counters[name] += value
	r.mu.Unlock()
	if r.next != nil {
		r.next.Counter(name, value, tags)
	}
}

// Gauge stores the latest value.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
	if r.next != nil {
		r.next.Gauge(name, value, tags)
	}
}

// Histogram stores the latest value.
func (r *Recorder) Histogram(name string, value float64, tags map[string]string) {
	r.Gauge(name, value, tags)
}

// Timer accumulates durations.
func (r *Recorder) Timer(name string, duration time.Duration, tags map[string]string) {
	r.mu.Lock()
	r.timers[name] += duration
	r.mu.Unlock()
	if r.next != nil {
		r.next.Timer(name, duration, tags)
	}
}

// CounterValue returns the running total of a counter.
func (r *Recorder) CounterValue(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// TimerValue returns the accumulated duration of a timer.
func (r *Recorder) TimerValue(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[name]
}

// Counters returns counter names in sorted order.
func (r *Recorder) Counters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters))
	for k := range r.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Flush flushes the next exporter.
func (r *Recorder) Flush() error {
	if r.next != nil {
		return r.next.Flush()
	}
	return nil
}

// Close closes the next exporter.
func (r *Recorder) Close() error {
	if r.next != nil {
		return r.next.Close()
	}
	return nil
}

var _ Exporter = (*Recorder)(nil)
