package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

const sparklineChars = "▁▂▃▄▅▆▇█"

var (
	lagCursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	lagSparkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	lagOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	lagWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	lagBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// LagHistory is a fixed ring of recent lag samples for the sparkline.
type LagHistory struct {
	ring  []uint64
	next  int
	count int
}

// NewLagHistory creates a history buffer holding capacity samples.
func NewLagHistory(capacity int) *LagHistory {
	return &LagHistory{ring: make([]uint64, capacity)}
}

// Push records a lag sample, evicting the oldest once the ring is full.
func (h *LagHistory) Push(lag uint64) {
	h.ring[h.next] = lag
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// window returns up to n samples, oldest first.
func (h *LagHistory) window(n int) []uint64 {
	if n > h.count {
		n = h.count
	}
	out := make([]uint64, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.ring[(h.next-h.count+i+len(h.ring))%len(h.ring)])
	}
	return out
}

// Sparkline renders the most recent samples into width cells, scaled to the
// window's peak and left-padded with the floor glyph until the ring fills.
func (h *LagHistory) Sparkline(width int) string {
	vals := h.window(width)

	var peak uint64 = 1
	for _, v := range vals {
		if v > peak {
			peak = v
		}
	}

	runes := []rune(sparklineChars)
	var b strings.Builder
	for i := len(vals); i < width; i++ {
		b.WriteRune(runes[0])
	}
	for _, v := range vals {
		idx := int(float64(v) / float64(peak) * float64(len(runes)-1))
		if idx >= len(runes) {
			idx = len(runes) - 1
		}
		b.WriteRune(runes[idx])
	}
	return b.String()
}

// RenderLag renders the replication cursors and the lag trend: how far the
// receive stage has written and flushed, how far apply has replayed, and
// how the byte gap between the two has moved. Thresholds match what a
// 16MiB-segment stream can absorb before falling a whole segment behind.
func RenderLag(snap metrics.Snapshot, history *LagHistory, width int) string {
	history.Push(snap.LagBytes)

	cursors := fmt.Sprintf("write %s  flush %s  replay %s",
		orDash(snap.WriteLSN), orDash(snap.FlushLSN), orDash(snap.ReplayLSN))

	style := lagOKStyle
	switch {
	case snap.LagBytes > 64<<20:
		style = lagBadStyle
	case snap.LagBytes > 16<<20:
		style = lagWarnStyle
	}

	sparkWidth := width - lipgloss.Width(cursors) - 20
	if sparkWidth < 10 {
		sparkWidth = 10
	}

	return fmt.Sprintf("  %s    Lag: %s %s",
		lagCursorStyle.Render(cursors),
		style.Render(snap.LagFormatted),
		lagSparkStyle.Render(history.Sparkline(sparkWidth)))
}
