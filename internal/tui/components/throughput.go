package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

var (
	tpValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	tpErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// RenderThroughput renders the combined copy/apply rate counters, the run
// totals, and, once any per-object failure has been recorded, the error
// count with the most recent message (truncated to keep the panel one
// line).
func RenderThroughput(snap metrics.Snapshot, width int) string {
	line := fmt.Sprintf("  %s  |  %s  |  Total: %s rows, %s",
		tpValueStyle.Render(fmt.Sprintf("%.0f rows/s", snap.RowsPerSec)),
		tpValueStyle.Render(formatBytes(int64(snap.BytesPerSec))+"/s"),
		formatCount(snap.TotalRows),
		formatBytes(snap.TotalBytes))

	if snap.ErrorCount > 0 {
		msg := snap.LastError
		if max := width - lipgloss.Width(line) - 30; max > 10 && len(msg) > max {
			msg = msg[:max-3] + "..."
		}
		line += tpErrorStyle.Render(fmt.Sprintf("  |  %d errors (last: %s)", snap.ErrorCount, msg))
	}
	return line
}
