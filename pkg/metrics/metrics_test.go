package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLog_Buffering(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	m := NewLog(logger, WithBufferSize(2))

	m.Counter(AggregateRows, 3, map[string]string{TagGranularity: "day"})
	if buf.Len() != 0 {
		t.Fatalf("expected buffered output, got %q", buf.String())
	}
	m.Timer(AggregateDuration, time.Second, nil)
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 lines after buffer fills, got %d: %q", got, buf.String())
	}
	if !strings.Contains(buf.String(), `"granularity":"day"`) {
		t.Errorf("tags missing from output: %q", buf.String())
	}
}

func TestLog_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	m := NewLog(zerolog.New(&buf), WithMinLevel(LevelTimers))
	m.Counter("c", 1, nil)
	m.Gauge("g", 1, nil)
	if buf.Len() != 0 {
		t.Errorf("counters and gauges should be suppressed, got %q", buf.String())
	}
	m.Timer("t", time.Millisecond, nil)
	if buf.Len() == 0 {
		t.Error("timers should still be logged")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(NewNoop())
	r.Counter(AggregateRows, 2, nil)
	r.Counter(AggregateRows, 5, nil)
	r.Timer(AggregateDuration, time.Second, nil)
	r.Timer(AggregateDuration, time.Second, nil)

	if got := r.CounterValue(AggregateRows); got != 7 {
		t.Errorf("CounterValue = %d, want 7", got)
	}
	if got := r.TimerValue(AggregateDuration); got != 2*time.Second {
		t.Errorf("TimerValue = %v, want 2s", got)
	}
	if names := r.Counters(); len(names) != 1 || names[0] != AggregateRows {
		t.Errorf("Counters() = %v", names)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"": LevelAll, "all": LevelAll, "timers": LevelTimers, "none": LevelNone}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
