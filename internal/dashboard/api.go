package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"promptguard/internal/threat"
)

const defaultEventLimit = 50

// Handler serves the dashboard API endpoints.
type Handler struct {
	feed      *Feed
	engine    *threat.Engine
	websocket bool
	mux       *http.ServeMux
}

// New creates a dashboard API handler over the given feed and engine.
func New(feed *Feed, engine *threat.Engine, websocket bool) *Handler {
	h := &Handler{
		feed:      feed,
		engine:    engine,
		websocket: websocket,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("/dashboard/events", h.handleEvents)
	h.mux.HandleFunc("/dashboard/events/latest", h.handleLatest)
	h.mux.HandleFunc("/dashboard/stats", h.handleStats)
	h.mux.HandleFunc("/dashboard/reset", h.handleReset)
	if websocket {
		h.mux.HandleFunc("/dashboard/ws", h.handleWS)
	}

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers for dashboard access
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.mux.ServeHTTP(w, r)
}

// handleEvents handles GET /dashboard/events
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events := h.feed.List()
	if len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, events)
}

// handleLatest handles GET /dashboard/events/latest
func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	e, ok := h.feed.Latest()
	if !ok {
		// Empty object keeps polling clients simple.
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleStats handles GET /dashboard/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.feed.Stats()
	stats.ActiveSessions = h.engine.SessionCount()
	writeJSON(w, http.StatusOK, stats)
}

// handleReset handles DELETE /dashboard/reset. It clears both the event
// feed and every tracked session.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.feed.Clear()
	h.engine.ResetAll()
	slog.Info("dashboard reset", "remote", r.RemoteAddr)

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
