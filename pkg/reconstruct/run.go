package reconstruct

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Source delivers snapshots for a layout ordered by key fields then time.
type Source interface {
	Snapshots(ctx context.Context, layout Layout, fn func(Row) error) error
}

// Sink stores finalized intervals.
type Sink interface {
	// ResetIntervals clears the destination before a full rebuild.
	ResetIntervals(ctx context.Context, layout Layout) error
	WriteIntervals(ctx context.Context, layout Layout, intervals []Interval) error
}

// Stats summarizes one reconstruction run.
type Stats struct {
	Layout    string        `json:"layout"`
	Rows      int64         `json:"rows"`
	Intervals int64         `json:"intervals"`
	Duration  time.Duration `json:"duration"`
}

// DefaultBatchSize is how many intervals are buffered before a write.
const DefaultBatchSize = 500

// Runner drives a Reconstructor from a Source into a Sink.
type Runner struct {
	Source    Source
	Sink      Sink
	BatchSize int
	Logger    zerolog.Logger
}

// Run rebuilds the destination table of layout. Cancellation is checked
// between rows; intervals already written stay written.
func (r *Runner) Run(ctx context.Context, layout Layout) (Stats, error) {
	start := time.Now()
	stats := Stats{Layout: layout.Name}
	log := r.Logger.With().Str("layout", layout.Name).Logger()

	rec, err := New(layout)
	if err != nil {
		return stats, err
	}
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := r.Sink.ResetIntervals(ctx, layout); err != nil {
		return stats, etlerrors.Persistence(err, "reset intervals").WithContext("table", layout.Destination)
	}

	buf := make([]Interval, 0, batchSize)
	write := func(force bool) error {
		if len(buf) == 0 || (!force && len(buf) < batchSize) {
			return nil
		}
		if err := r.Sink.WriteIntervals(ctx, layout, buf); err != nil {
			return etlerrors.Persistence(err, "write intervals").WithContext("table", layout.Destination)
		}
		stats.Intervals += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	err = r.Source.Snapshots(ctx, layout, func(row Row) error {
		if err := ctx.Err(); err != nil {
			return etlerrors.Canceled("reconstruct", err)
		}
		stats.Rows++
		out, err := rec.Transform(row)
		if err != nil {
			return err
		}
		buf = append(buf, out...)
		return write(false)
	})
	if err != nil {
		var coded *etlerrors.Error
		if !etlerrors.As(err, &coded) {
			err = etlerrors.Persistence(err, "read snapshots").WithContext("table", layout.Source)
		}
		return stats, err
	}

	// End of stream: every open interval is closed at its last known time.
	buf = append(buf, rec.Flush()...)
	if err := write(true); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	log.Info().
		Int64("rows", stats.Rows).
		Int64("intervals", stats.Intervals).
		Dur("duration", stats.Duration).
		Msg("reconstruction complete")
	return stats, nil
}
