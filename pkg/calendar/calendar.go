// Package calendar defines period granularities and generates the rows of the
// period dimension tables (days, weeks, months, quarters, years).
//
// All periods are computed in UTC. A period covers [StartTS, EndTS] where EndTS
// is the last second inside the period, so Seconds = EndTS - StartTS + 1.
package calendar

import (
	"fmt"
	"time"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Granularity is one of the closed set of period sizes.
type Granularity string

const (
	Day     Granularity = "day"
	Week    Granularity = "week"
	Month   Granularity = "month"
	Quarter Granularity = "quarter"
	Year    Granularity = "year"
)

// All lists granularities from finest to coarsest.
var All = []Granularity{Day, Week, Month, Quarter, Year}

// Watermarked lists the granularities that carry a per-fact aggregation flag.
var Watermarked = []Granularity{Day, Month, Quarter, Year}

// Coarsest is the granularity whose run garbage-collects fact status rows.
const Coarsest = Year

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Day, Week, Month, Quarter, Year:
		return g, nil
	}
	return "", etlerrors.InvalidGranularity(s)
}

// Watermarked reports whether facts carry an aggregation flag for g.
func (g Granularity) Watermarked() bool {
	return g != Week
}

func (g Granularity) String() string { return string(g) }

// Period is one row of a period dimension table.
type Period struct {
	ID      int64
	Year    int
	Ordinal int
	Start   time.Time
	End     time.Time
	StartTS int64
	EndTS   int64
	Hours   float64
	Seconds int64
}

// Contains reports whether ts falls inside the period.
func (p Period) Contains(ts int64) bool {
	return ts >= p.StartTS && ts <= p.EndTS
}

// Overlaps reports whether the inclusive span [from, to] intersects the period.
func (p Period) Overlaps(from, to int64) bool {
	return from <= p.EndTS && to >= p.StartTS
}

func (p Period) String() string {
	return fmt.Sprintf("%d [%s, %s]", p.ID, p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}

// periodStart truncates t to the start of the enclosing period.
func periodStart(g Granularity, t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch g {
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case Week:
		// ISO weeks start on Monday.
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Quarter:
		qm := time.Month(((int(m)-1)/3)*3 + 1)
		return time.Date(y, qm, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

func next(g Granularity, start time.Time) time.Time {
	switch g {
	case Day:
		return start.AddDate(0, 0, 1)
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	case Quarter:
		return start.AddDate(0, 3, 0)
	default:
		return start.AddDate(1, 0, 0)
	}
}

func ordinal(g Granularity, start time.Time) (year, ord int) {
	switch g {
	case Day:
		return start.Year(), start.YearDay()
	case Week:
		return start.ISOWeek()
	case Month:
		return start.Year(), int(start.Month())
	case Quarter:
		return start.Year(), (int(start.Month())-1)/3 + 1
	default:
		return start.Year(), 1
	}
}

func build(g Granularity, start time.Time) Period {
	end := next(g, start)
	y, ord := ordinal(g, start)
	seconds := end.Unix() - start.Unix()
	return Period{
		ID:      int64(y)*100000 + int64(ord),
		Year:    y,
		Ordinal: ord,
		Start:   start,
		End:     end.Add(-time.Second),
		StartTS: start.Unix(),
		EndTS:   end.Unix() - 1,
		Hours:   float64(seconds) / 3600,
		Seconds: seconds,
	}
}

// PeriodAt returns the period of granularity g containing the unix timestamp ts.
func PeriodAt(g Granularity, ts int64) Period {
	return build(g, periodStart(g, time.Unix(ts, 0)))
}

// Between returns every period of granularity g that intersects the inclusive
// timestamp span [from, to], in id order.
func Between(g Granularity, from, to int64) []Period {
	if to < from {
		return nil
	}
	var periods []Period
	start := periodStart(g, time.Unix(from, 0))
	for start.Unix() <= to {
		periods = append(periods, build(g, start))
		start = next(g, start)
	}
	return periods
}

// DateRange is an inclusive span of unix seconds.
type DateRange struct {
	Start int64
	End   int64
}

// NewDateRange builds a range covering whole UTC days from start through end.
func NewDateRange(start, end time.Time) DateRange {
	s := periodStart(Day, start)
	e := periodStart(Day, end).AddDate(0, 0, 1)
	return DateRange{Start: s.Unix(), End: e.Unix() - 1}
}

// ParseDateRange parses two YYYY-MM-DD dates.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return DateRange{}, etlerrors.Wrap(err, etlerrors.CodeConfiguration, "invalid start date").
			WithContext("value", start)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return DateRange{}, etlerrors.Wrap(err, etlerrors.CodeConfiguration, "invalid end date").
			WithContext("value", end)
	}
	if e.Before(s) {
		return DateRange{}, etlerrors.New(etlerrors.CodeConfiguration, "end date precedes start date").
			WithContext("start", start).
			WithContext("end", end)
	}
	return NewDateRange(s, e), nil
}

// Contains reports whether ts falls inside the range.
func (r DateRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s",
		time.Unix(r.Start, 0).UTC().Format(time.DateOnly),
		time.Unix(r.End, 0).UTC().Format(time.DateOnly))
}
