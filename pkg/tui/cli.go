// Package tui renders command output: progress bars for aggregation runs,
// state listings and run summaries.
package tui

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/schollz/progressbar/v3"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	"github.com/xdmod/xdmod-etl/pkg/aggregate"
	"github.com/xdmod/xdmod-etl/pkg/calendar"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/reconstruct"
)

// Colors
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(white).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// ShowProgress creates a progress bar for processing.
func ShowProgress(w io.Writer, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// PeriodProgress draws one bar per granularity as periods complete.
type PeriodProgress struct {
	w       io.Writer
	current calendar.Granularity
	bar     *progressbar.ProgressBar
}

// NewPeriodProgress creates a progress display writing to w.
func NewPeriodProgress(w io.Writer) *PeriodProgress {
	return &PeriodProgress{w: w}
}

// Update advances the bar of g, starting a new bar when g changes.
func (p *PeriodProgress) Update(g calendar.Granularity, done, total int, period calendar.Period) {
	if p.bar == nil || g != p.current {
		p.Finish()
		p.current = g
		p.bar = ShowProgress(p.w, total, "aggregating "+string(g))
	}
	p.bar.Describe(fmt.Sprintf("aggregating %s %d", g, period.ID))
	_ = p.bar.Set(done)
}

// Finish completes the active bar.
func (p *PeriodProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

// StateTable renders state metadata as a table.
func StateTable(metas []actionstate.Metadata) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("KEY", "TYPE", "CREATED BY", "MODIFIED BY", "MODIFIED", "SIZE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, m := range metas {
		t.Row(m.Key, string(m.Type), m.CreatingAction, m.ModifyingAction,
			m.ModifiedTime.Format(time.RFC3339), formatBytes(m.SizeBytes))
	}
	return t.Render()
}

// ReportTable renders aggregation reports as a table.
func ReportTable(reports []aggregate.Report) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("GRANULARITY", "RANGE", "PERIODS", "FACTS", "ROWS", "MARKED", "PURGED", "TIME").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range reports {
		t.Row(string(r.Granularity), r.Range,
			strconv.Itoa(r.Periods),
			formatNumber(int64(r.Facts)),
			formatNumber(r.Rows),
			formatNumber(r.Marked),
			formatNumber(r.Purged),
			formatDuration(r.Duration))
	}
	return t.Render()
}

// PrintReconstruction prints one line per rebuilt layout.
func PrintReconstruction(w io.Writer, stats []reconstruct.Stats) {
	for _, s := range stats {
		fmt.Fprintf(w, "  %s %s %s\n",
			successStyle.Render("✓"),
			titleStyle.Render(s.Layout),
			mutedStyle.Render(fmt.Sprintf("(%s rows → %s intervals, %s)",
				formatNumber(s.Rows), formatNumber(s.Intervals), formatDuration(s.Duration))))
	}
}

// PrintDone prints a completion line.
func PrintDone(w io.Writer, what string, elapsed time.Duration) {
	fmt.Fprintf(w, "\n  %s %s\n\n",
		successStyle.Render("✓ "+what),
		mutedStyle.Render("("+formatDuration(elapsed)+")"))
}

var failureHints = map[etlerrors.Code]string{
	etlerrors.CodeConfiguration: "check the configuration with: xdmod-etl config validate",
	etlerrors.CodePrecondition:  "load resource specifications, then: xdmod-etl reconstruct resource-specs",
	etlerrors.CodeCanceled:      "interrupted; rerun without --start to continue from the last watermark",
}

// PrintFailure prints an error line, a hint for its code and, when stack is
// set, the stack captured where the error was raised.
func PrintFailure(w io.Writer, err error, stack bool) {
	fmt.Fprintf(w, "  %s %s\n", accentStyle.Render("✗"), err)
	if hint, ok := failureHints[etlerrors.CodeOf(err)]; ok {
		fmt.Fprintf(w, "    %s\n", mutedStyle.Render(hint))
	}
	var coded *etlerrors.Error
	if stack && etlerrors.As(err, &coded) {
		fmt.Fprint(w, coded.FormatStack())
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
