package metrics

import "time"

// Noop discards all metrics.
type Noop struct{}

// NewNoop creates a new noop metrics exporter.
func NewNoop() *Noop {
	return &Noop{}
}

// Counter does nothing.
func (n *Noop) Counter(name string, value int64, tags map[string]string) {}

// Gauge does nothing.
func (n *Noop) Gauge(name string, value float64, tags map[string]string) {}

// Histogram does nothing.
func (n *Noop) Histogram(name string, value float64, tags map[string]string) {}

// Timer does nothing.
func (n *Noop) Timer(name string, duration time.Duration, tags map[string]string) {}

// Flush does nothing.
func (n *Noop) Flush() error {
	return nil
}

// Close does nothing.
func (n *Noop) Close() error {
	return nil
}

var _ Exporter = (*Noop)(nil)
