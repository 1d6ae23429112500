package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

var (
	headerPhaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	headerApplyOn    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	headerApplyOff   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderHeader renders the top status bar: phase and elapsed time on the
// left, the sentinel's apply flag and replay cursor on the right. The flag
// flips the moment the clone hands over to the change stream, which is the
// first thing an operator scans for.
func RenderHeader(snap metrics.Snapshot, width int) string {
	left := fmt.Sprintf("  Phase: %s    Elapsed: %s",
		headerPhaseStyle.Render(strings.ToUpper(snap.Phase)),
		headerValueStyle.Render(formatDuration(snap.ElapsedSec)))

	apply := headerApplyOff.Render("apply off")
	if snap.ApplyEnabled {
		apply = headerApplyOn.Render("apply on")
	}
	right := fmt.Sprintf("%s    Replay: %s  ",
		apply, headerValueStyle.Render(orDash(snap.ReplayLSN)))

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// orDash substitutes "-" for cursors the sentinel has not populated yet.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
