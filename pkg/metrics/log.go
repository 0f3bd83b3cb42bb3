package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level controls which metrics are logged.
type Level int

const (
	LevelAll Level = iota
	LevelTimers
	LevelNone
)

// ParseLevel maps a configuration string to a Level. Unknown values log
// everything.
func ParseLevel(s string) Level {
	switch s {
	case "timers":
		return LevelTimers
	case "none", "off":
		return LevelNone
	}
	return LevelAll
}

// LogOption configures Log.
type LogOption func(*Log)

// WithMinLevel sets the minimum log level.
func WithMinLevel(level Level) LogOption {
	return func(m *Log) {
		m.minLevel = level
	}
}

// WithBufferSize sets the buffer size for batched logging.
func WithBufferSize(size int) LogOption {
	return func(m *Log) {
		m.bufferSize = size
	}
}

type sample struct {
	kind  string
	name  string
	value float64
	dur   time.Duration
	tags  map[string]string
}

// Log writes metrics as structured debug events.
type Log struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	minLevel   Level
	buffer     []sample
	bufferSize int
}

// NewLog creates a log-based metrics exporter.
func NewLog(logger zerolog.Logger, opts ...LogOption) *Log {
	m := &Log{
		logger:   logger.With().Str("component", "metrics").Logger(),
		minLevel: LevelAll,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Counter logs a counter metric.
func (m *Log) Counter(name string, value int64, tags map[string]string) {
	if m.minLevel >= LevelTimers {
		return
	}
	m.record(sample{kind: "counter", name: name, value: float64(value), tags: tags})
}

// Gauge logs a gauge metric.
func (m *Log) Gauge(name string, value float64, tags map[string]string) {
	if m.minLevel >= LevelTimers {
		return
	}
	m.record(sample{kind: "gauge", name: name, value: value, tags: tags})
}

// Histogram logs a histogram metric.
func (m *Log) Histogram(name string, value float64, tags map[string]string) {
	if m.minLevel >= LevelTimers {
		return
	}
	m.record(sample{kind: "histogram", name: name, value: value, tags: tags})
}

// Timer logs a timer metric.
func (m *Log) Timer(name string, duration time.Duration, tags map[string]string) {
	if m.minLevel >= LevelNone {
		return
	}
	m.record(sample{kind: "timer", name: name, dur: duration, tags: tags})
}

// Flush outputs any buffered metrics.
func (m *Log) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain()
	return nil
}

// Close flushes and closes the exporter.
func (m *Log) Close() error {
	return m.Flush()
}

func (m *Log) record(s sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bufferSize <= 0 {
		m.emit(s)
		return
	}
	m.buffer = append(m.buffer, s)
	if len(m.buffer) >= m.bufferSize {
		m.drain()
	}
}

func (m *Log) drain() {
	for _, s := range m.buffer {
		m.emit(s)
	}
	m.buffer = nil
}

func (m *Log) emit(s sample) {
	ev := m.logger.Debug().Str("type", s.kind).Str("metric", s.name)
	if s.kind == "timer" {
		ev = ev.Dur("value", s.dur)
	} else {
		ev = ev.Float64("value", s.value)
	}
	if len(s.tags) > 0 {
		d := zerolog.Dict()
		for k, v := range s.tags {
			d = d.Str(k, v)
		}
		ev = ev.Dict("tags", d)
	}
	ev.Send()
}

var _ Exporter = (*Log)(nil)
