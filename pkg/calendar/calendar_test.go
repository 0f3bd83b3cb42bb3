package calendar

import (
	"testing"
	"time"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

func ts(s string) int64 {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t.Unix()
}

func TestParseGranularity(t *testing.T) {
	for _, name := range []string{"day", "week", "month", "quarter", "year"} {
		if _, err := ParseGranularity(name); err != nil {
			t.Errorf("ParseGranularity(%q) unexpected error: %v", name, err)
		}
	}

	_, err := ParseGranularity("fortnight")
	if !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPeriodAt(t *testing.T) {
	tests := []struct {
		g      Granularity
		at     string
		id     int64
		start  string
		end    string
		second int64
	}{
		{Day, "2023-01-15 13:00:00", 202300015, "2023-01-15 00:00:00", "2023-01-15 23:59:59", 86400},
		{Month, "2023-02-10 00:00:00", 202300002, "2023-02-01 00:00:00", "2023-02-28 23:59:59", 28 * 86400},
		{Quarter, "2023-05-20 08:00:00", 202300002, "2023-04-01 00:00:00", "2023-06-30 23:59:59", 91 * 86400},
		{Year, "2024-07-01 00:00:00", 202400001, "2024-01-01 00:00:00", "2024-12-31 23:59:59", 366 * 86400},
		{Week, "2023-01-04 12:00:00", 202300001, "2023-01-02 00:00:00", "2023-01-08 23:59:59", 7 * 86400},
	}

	for _, tt := range tests {
		p := PeriodAt(tt.g, ts(tt.at))
		if p.ID != tt.id {
			t.Errorf("%s at %s: id = %d, want %d", tt.g, tt.at, p.ID, tt.id)
		}
		if p.StartTS != ts(tt.start) || p.EndTS != ts(tt.end) {
			t.Errorf("%s at %s: span = [%d, %d], want [%d, %d]",
				tt.g, tt.at, p.StartTS, p.EndTS, ts(tt.start), ts(tt.end))
		}
		if p.Seconds != tt.second {
			t.Errorf("%s at %s: seconds = %d, want %d", tt.g, tt.at, p.Seconds, tt.second)
		}
	}
}

func TestBetween_Contiguous(t *testing.T) {
	for _, g := range All {
		periods := Between(g, ts("2022-11-20 00:00:00"), ts("2024-02-03 00:00:00"))
		if len(periods) == 0 {
			t.Fatalf("%s: no periods", g)
		}
		for i := 1; i < len(periods); i++ {
			prev, cur := periods[i-1], periods[i]
			if cur.StartTS != prev.EndTS+1 {
				t.Errorf("%s: gap between %s and %s", g, prev, cur)
			}
			if cur.ID <= prev.ID {
				t.Errorf("%s: ids not increasing: %d then %d", g, prev.ID, cur.ID)
			}
		}
	}
}

func TestBetween_Empty(t *testing.T) {
	if got := Between(Day, 100, 50); got != nil {
		t.Errorf("expected nil for inverted span, got %v", got)
	}
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2023-01-01", "2023-01-31")
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != ts("2023-01-01 00:00:00") || r.End != ts("2023-01-31 23:59:59") {
		t.Errorf("unexpected range %s (%d, %d)", r, r.Start, r.End)
	}

	if _, err := ParseDateRange("2023-02-01", "2023-01-01"); !etlerrors.IsCode(err, etlerrors.CodeConfiguration) {
		t.Errorf("expected configuration error for inverted range, got %v", err)
	}
	if _, err := ParseDateRange("yesterday", "2023-01-01"); err == nil {
		t.Error("expected error for unparsable date")
	}
}
