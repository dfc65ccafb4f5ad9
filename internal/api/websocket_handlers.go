package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleGraphWebSocket upgrades a connection for real-time graph collaboration
func (h *Handler) HandleGraphWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleGraphConnection(w, r)
}
