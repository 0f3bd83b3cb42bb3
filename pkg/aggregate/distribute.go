package aggregate

import (
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/xdmod/xdmod-etl/pkg/calendar"
)

// ShareScale is the number of decimal places kept on each period share.
const ShareScale = 6

var decimalCtx = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfEven
	return c
}()

// cumulative returns the part of metric accrued by time t for a job running
// over [start, end), rounded to ShareScale places. It is 0 at start and
// exactly metric at end.
func cumulative(metric *apd.Decimal, start, end, t int64) *apd.Decimal {
	out := new(apd.Decimal)
	switch {
	case t <= start:
		return out
	case t >= end:
		return out.Set(metric)
	}
	var elapsed, total apd.Decimal
	elapsed.SetInt64(t - start)
	total.SetInt64(end - start)
	decimalCtx.Mul(out, metric, &elapsed)
	decimalCtx.Quo(out, out, &total)
	decimalCtx.Quantize(out, out, -ShareScale)
	return out
}

// Share returns the part of metric attributed to period p for a job running
// over [start, end). Shares are differences of rounded cumulative values, so
// the shares of contiguous periods covering the job telescope to exactly
// metric. A zero-length job contributes everything to the period containing
// its start.
func Share(metric *apd.Decimal, start, end int64, p calendar.Period) *apd.Decimal {
	if end <= start {
		if p.Contains(start) {
			return new(apd.Decimal).Set(metric)
		}
		return new(apd.Decimal)
	}
	lo := clamp(p.StartTS, start, end)
	hi := clamp(p.EndTS+1, start, end)
	if hi <= lo {
		return new(apd.Decimal)
	}
	out := new(apd.Decimal)
	decimalCtx.Sub(out, cumulative(metric, start, end, hi), cumulative(metric, start, end, lo))
	return out
}

// Clipped returns the seconds of [start, end) inside p.
func Clipped(start, end int64, p calendar.Period) int64 {
	lo := clamp(p.StartTS, start, end)
	hi := clamp(p.EndTS+1, start, end)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func decimalFromInt(v int64) *apd.Decimal {
	return apd.New(v, 0)
}

// decimalFromFloat rejects NaN and infinities, which have no share.
func decimalFromFloat(v float64) (*apd.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("non-finite value %v", v)
	}
	d := new(apd.Decimal)
	if _, err := d.SetFloat64(v); err != nil {
		return nil, err
	}
	return d, nil
}

func square(d *apd.Decimal) *apd.Decimal {
	out := new(apd.Decimal)
	decimalCtx.Mul(out, d, d)
	return out
}

func toFloat(d *apd.Decimal) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
