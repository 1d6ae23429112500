package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

const wsWriteTimeout = 5 * time.Second

// wsEvent is one message on the live feed. Snapshots and log lines share
// the socket; Type tells the dashboard which payload is set.
type wsEvent struct {
	Type     string            `json:"type"` // "snapshot" or "log"
	Snapshot *metrics.Snapshot `json:"snapshot,omitempty"`
	Log      *metrics.LogEntry `json:"log,omitempty"`
}

// Hub fans the collector's periodic snapshots, and any log entries captured
// since the previous tick, out to every connected websocket client.
type Hub struct {
	collector *metrics.Collector
	logger    zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	lastLog time.Time
}

func newHub(collector *metrics.Collector, logger zerolog.Logger) *Hub {
	return &Hub{
		collector: collector,
		logger:    logger.With().Str("component", "ws-hub").Logger(),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) start(ctx context.Context) {
	ch := h.collector.Subscribe()
	defer h.collector.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			for _, entry := range h.newLogEntries() {
				e := entry
				h.broadcast(wsEvent{Type: "log", Log: &e})
			}
			h.broadcast(wsEvent{Type: "snapshot", Snapshot: &snap})
		}
	}
}

// newLogEntries returns the captured log entries newer than the last
// broadcast, tracked by timestamp since the collector's buffer is a ring.
func (h *Hub) newLogEntries() []metrics.LogEntry {
	logs := h.collector.Logs()

	h.mu.Lock()
	last := h.lastLog
	h.mu.Unlock()

	var fresh []metrics.LogEntry
	for _, e := range logs {
		if e.Time.After(last) {
			fresh = append(fresh, e)
		}
	}
	if n := len(fresh); n > 0 {
		h.mu.Lock()
		h.lastLog = fresh[n-1].Time
		h.mu.Unlock()
	}
	return fresh
}

func (h *Hub) broadcast(ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Err(err).Msg("marshal ws event")
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := h.send(c, data); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) send(c *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Msg("ws client connected")
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host dashboards connect cross-origin
	})
	if err != nil {
		h.logger.Err(err).Msg("ws accept")
		return
	}
	h.add(conn)

	// A new client gets the current state immediately instead of waiting
	// for the next broadcast tick.
	snap := h.collector.Snapshot()
	if data, err := json.Marshal(wsEvent{Type: "snapshot", Snapshot: &snap}); err == nil {
		if err := h.send(conn, data); err != nil {
			h.drop(conn)
			return
		}
	}

	// Reads only keep the connection alive and detect the client leaving.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			h.drop(conn)
			return
		}
	}
}
