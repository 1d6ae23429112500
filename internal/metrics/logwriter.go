package metrics

import (
	"bytes"
	"encoding/json"
	"io"
	"time"
)

// LogWriter is an io.Writer that forwards each JSON log line written by
// zerolog into the Collector's ring buffer, so the TUI and status feed can
// show recent log activity without tailing a file. Non-JSON lines are kept
// verbatim under the "message" field.
type LogWriter struct {
	collector *Collector
	fallback  io.Writer
}

// NewLogWriter wraps collector as an io.Writer, optionally also writing
// through to fallback (e.g. the original stdout) so nothing is lost when
// the TUI isn't attached.
func NewLogWriter(collector *Collector, fallback io.Writer) *LogWriter {
	return &LogWriter{collector: collector, fallback: fallback}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	if w.fallback != nil {
		_, _ = w.fallback.Write(p)
	}
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.collector.AddLog(parseLogLine(line))
	}
	return len(p), nil
}

func parseLogLine(line []byte) LogEntry {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{Time: time.Now(), Level: "info", Message: string(line)}
	}
	entry := LogEntry{Time: time.Now(), Fields: map[string]string{}}
	for k, v := range raw {
		switch k {
		case "level":
			if s, ok := v.(string); ok {
				entry.Level = s
			}
		case "message":
			if s, ok := v.(string); ok {
				entry.Message = s
			}
		case "time":
			// zerolog's default time format parses fine as RFC3339; fall
			// back to now on any mismatch rather than failing the line.
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					entry.Time = t
				}
			}
		default:
			entry.Fields[k] = toString(v)
		}
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	return entry
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
