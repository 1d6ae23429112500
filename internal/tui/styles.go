package tui

import "github.com/charmbracelet/lipgloss"

// One accent per pipeline half: violet while the base clone copies, blue
// once the change stream takes over. The title bar picks between them by
// phase; the panels stay neutral so the per-table status colors in the
// components stand out.
var (
	colorClone  = lipgloss.Color("#7C3AED")
	colorStream = lipgloss.Color("#3B82F6")
	colorMuted  = lipgloss.Color("#6B7280")
	colorBorder = lipgloss.Color("#374151")

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)

// phaseColor returns the title accent for the current phase.
func phaseColor(phase string) lipgloss.Color {
	if phase == "cdc" {
		return colorStream
	}
	return colorClone
}
