package server

import (
	"encoding/json"
	"net/http"

	"github.com/jfoltran/pgcopydb-go/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Snapshot())
}

func (h *handlers) tables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Snapshot().Tables)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Logs())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
