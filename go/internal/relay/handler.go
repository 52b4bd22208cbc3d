package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler serves the relay's HTTP routes.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates a handler for hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandlePeerConnection upgrades a peer's websocket.
func (h *WebSocketHandler) HandlePeerConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.Upgrade(w, r); err != nil {
		// the upgrader has already replied
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade websocket connection")
	}
}

// HandleConnectionStats returns hub statistics as JSON.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats")
	}
}

// HandleHealth reports liveness.
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// RegisterRoutes registers the relay routes on mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/peer", h.HandlePeerConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("/health", h.HandleHealth)
}
