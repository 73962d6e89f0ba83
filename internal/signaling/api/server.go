package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/patchbay/internal/signaling/calllog"
	"github.com/sebas/patchbay/internal/signaling/occupancy"
	"github.com/sebas/patchbay/internal/signaling/presence"
)

// PresenceProvider exposes the presence registry to the API.
// Implemented by presence.Registry.
type PresenceProvider interface {
	Identities() []string
	Snapshot() map[string]presence.Entry
	Count() int
}

// OccupancyProvider exposes active call occupancy to the API.
// Implemented by occupancy.Tracker.
type OccupancyProvider interface {
	Snapshot() map[string]occupancy.Call
	Count() int
}

// HistoryProvider serves finished call records.
// Implemented by calllog.Store.
type HistoryProvider interface {
	ForIdentity(identity string) ([]calllog.Record, error)
}

// ConnCounter reports how many signaling connections are live.
// Implemented by transport.Hub.
type ConnCounter interface {
	Count() int
}

// Server provides the HTTP surface: the signaling WebSocket endpoint
// plus a read-only JSON API over presence, occupancy and call history.
type Server struct {
	addr       string
	httpServer *http.Server
	presence   PresenceProvider
	occupancy  OccupancyProvider
	history    HistoryProvider
	conns      ConnCounter
	startTime  time.Time
}

// NewServer creates the HTTP server. ws handles the signaling
// WebSocket upgrade; history may be nil when call logging is disabled.
func NewServer(addr string, ws http.Handler, pres PresenceProvider, occ OccupancyProvider, history HistoryProvider, conns ConnCounter) *Server {
	s := &Server{
		addr:      addr,
		presence:  pres,
		occupancy: occ,
		history:   history,
		conns:     conns,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Signaling endpoint
	mux.Handle("/ws", ws)

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Presence
	mux.HandleFunc("/api/v1/presence", s.handlePresence)

	// Active and historical calls
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/history/", s.handleCallHistory)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(uptime),
	}
	s.writeJSON(w, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if s.conns != nil {
		connections = s.conns.Count()
	}

	response := map[string]interface{}{
		"connections":  connections,
		"online_users": s.presence.Count(),
		"active_calls": s.occupancy.Count(),
	}
	s.writeJSON(w, response)
}

// --- Presence ---

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type presenceResponse struct {
		Identity    string `json:"identity"`
		Address     string `json:"address"`
		ConnectedAt string `json:"connected_at"`
	}

	snapshot := s.presence.Snapshot()
	response := make([]presenceResponse, 0, len(snapshot))
	for _, e := range snapshot {
		response = append(response, presenceResponse{
			Identity:    e.Identity,
			Address:     e.Address,
			ConnectedAt: e.ConnectedAt.Format(time.RFC3339),
		})
	}

	s.writeJSON(w, response)
}

// --- Calls ---

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.occupancy.Snapshot()
	calls := make([]map[string]interface{}, 0, len(snapshot))
	for identity, call := range snapshot {
		calls = append(calls, map[string]interface{}{
			"identity":   identity,
			"session_id": call.SessionID,
			"partner":    call.Partner,
			"duration":   int(time.Since(call.StartedAt).Seconds()),
			"status":     "active",
		})
	}

	s.writeJSON(w, calls)
}

// handleCallHistory serves GET /api/v1/calls/history/{identity}
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.history == nil {
		http.Error(w, "Call history not configured", http.StatusServiceUnavailable)
		return
	}

	identity := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/history/")
	if identity == "" {
		http.Error(w, "Identity required", http.StatusBadRequest)
		return
	}

	records, err := s.history.ForIdentity(identity)
	if err != nil {
		slog.Error("[API] Failed to load call history", "identity", identity, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	type historyResponse struct {
		SessionID string `json:"session_id"`
		CallerID  string `json:"caller_id"`
		CalleeID  string `json:"callee_id"`
		StartedAt string `json:"started_at"`
		EndedAt   string `json:"ended_at,omitempty"`
		Duration  int    `json:"duration_seconds"`
	}

	response := make([]historyResponse, 0, len(records))
	for _, rec := range records {
		h := historyResponse{
			SessionID: rec.SessionID,
			CallerID:  rec.CallerID,
			CalleeID:  rec.CalleeID,
			StartedAt: rec.StartedAt.Format(time.RFC3339),
			Duration:  rec.DurationSeconds,
		}
		if rec.EndedAt != nil {
			h.EndedAt = rec.EndedAt.Format(time.RFC3339)
		}
		response = append(response, h)
	}

	s.writeJSON(w, response)
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
