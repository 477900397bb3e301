// Package control exposes the operator API on its own listener, separate
// from the proxy surface that clients talk to.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"promptguard/internal/storage"
	"promptguard/internal/threat"
)

// Handler handles control API requests
type Handler struct {
	engine *threat.Engine
	store  *storage.SQLiteStore // nil when history storage is disabled
	mux    *http.ServeMux
}

// New creates a new control API handler. store may be nil.
func New(engine *threat.Engine, store *storage.SQLiteStore) *Handler {
	h := &Handler{
		engine: engine,
		store:  store,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/sessions", h.handleSessions)
	h.mux.HandleFunc("/control/sessions/", h.handleSession)

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers for dashboard access
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.mux.ServeHTTP(w, r)
}

// handleHealth handles GET /control/health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "0.1.0",
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStats handles GET /control/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatsResponse{
		ActiveSessions: h.engine.SessionCount(),
	}

	if h.store != nil {
		stats, err := h.store.GetStats(nil)
		if err != nil {
			slog.Error("failed to read verdict stats", "error", err)
		} else {
			response.History = stats
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleSessions handles GET /control/sessions
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.engine.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated.After(sessions[j].LastUpdated)
	})

	writeJSON(w, http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

// handleSession handles requests to /control/sessions/{id}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	// Extract session ID from path
	path := strings.TrimPrefix(r.URL.Path, "/control/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		h.getSession(w, sessionID)
	case http.MethodPost:
		if action == "reset" {
			h.resetSession(w, sessionID)
		} else {
			http.Error(w, "Unknown action", http.StatusBadRequest)
		}
	case http.MethodDelete:
		h.resetSession(w, sessionID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getSession handles GET /control/sessions/{id}
func (h *Handler) getSession(w http.ResponseWriter, id string) {
	snap, ok := h.engine.Session(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// resetSession handles DELETE /control/sessions/{id} and
// POST /control/sessions/{id}/reset. Resetting an unknown session is not
// an error; the goal state is "no tracked state" either way.
func (h *Handler) resetSession(w http.ResponseWriter, id string) {
	slog.Info("session reset requested", "session_id", id)

	h.engine.Reset(id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "reset",
		"session_id": id,
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// StatsResponse combines live session counts with stored history.
type StatsResponse struct {
	ActiveSessions int            `json:"active_sessions"`
	History        *storage.Stats `json:"history,omitempty"`
}

// SessionsResponse represents the tracked session list
type SessionsResponse struct {
	Total    int                      `json:"total"`
	Sessions []threat.SessionSnapshot `json:"sessions"`
}
