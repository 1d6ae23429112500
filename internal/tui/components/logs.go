package components

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

var (
	logTimeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	logFieldStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	logLevelStyles = map[string]lipgloss.Style{
		"info":  lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6")),
		"warn":  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		"error": lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		"fatal": lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}
	logDefaultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderLogs renders the newest maxLines captured log entries, oldest
// first, each with the structured fields zerolog attached (sorted, so the
// display is stable between refreshes).
func RenderLogs(entries []metrics.LogEntry, maxLines int) string {
	if len(entries) == 0 {
		return "  No log entries yet"
	}

	start := 0
	if len(entries) > maxLines {
		start = len(entries) - maxLines
	}

	var b strings.Builder
	for i := start; i < len(entries); i++ {
		e := entries[i]

		style, ok := logLevelStyles[e.Level]
		if !ok {
			style = logDefaultStyle
		}
		lvl := strings.ToUpper(e.Level)
		if len(lvl) > 3 {
			lvl = lvl[:3]
		}

		b.WriteString(fmt.Sprintf("  %s %s %s",
			logTimeStyle.Render(e.Time.Format("15:04:05")),
			style.Render(lvl),
			e.Message))
		if fields := formatLogFields(e.Fields); fields != "" {
			b.WriteString(" ")
			b.WriteString(logFieldStyle.Render(fields))
		}
		if i < len(entries)-1 {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

func formatLogFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}
