package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

var (
	progressFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	progressEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
)

// RenderProgress renders the clone's overall progress bar over retained
// tables. Once every table is copied the bar stays full and the counters
// hold steady while the stream phases take over.
func RenderProgress(snap metrics.Snapshot, width int) string {
	total := snap.TablesTotal
	if total == 0 {
		return "  No tables to copy"
	}
	copied := snap.TablesCopied
	pct := float64(copied) / float64(total) * 100

	barWidth := width - 40
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}

	bar := progressFullStyle.Render(strings.Repeat("█", filled)) +
		progressEmptyStyle.Render(strings.Repeat("░", barWidth-filled))

	return fmt.Sprintf("  Overall: %s %5.1f%% (%d/%d tables)", bar, pct, copied, total)
}
