package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"graph-sync/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	sync      SyncService
	auth      Authenticator
	sessions  SessionCounter
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	sync SyncService,
	auth Authenticator,
	sessions SessionCounter,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		sync:      sync,
		auth:      auth,
		sessions:  sessions,
		wsHandler: wsHandler,
	}
}

// errorResponse mirrors the websocket error payload
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Graph handlers

// GetOperations replays the operation log over HTTP: GET /api/graphs/{id}/operations?since=N
func (h *Handler) GetOperations(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["id"]

	if !h.authorize(w, r, graphID) {
		return
	}

	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, collaboration.CodeInvalidMessage, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	result, err := h.sync.CatchUp(r.Context(), graphID, since)
	if err != nil {
		var mismatch *collaboration.VersionMismatchError
		if errors.As(err, &mismatch) {
			writeError(w, http.StatusConflict, collaboration.CodeVersionMismatch, err.Error())
			return
		}
		log.Printf("❌ Catch-up for graph %s failed: %v", graphID, err)
		writeError(w, http.StatusInternalServerError, collaboration.CodeInternal, "catch-up failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetPresence returns who is on a graph right now: GET /api/graphs/{id}/presence
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["id"]

	if !h.authorize(w, r, graphID) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"graphId":  graphID,
		"presence": h.sync.Presence(graphID),
	})
}

// Health reports liveness and the number of open sessions
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.SessionCount(""),
	})
}

// authorize writes the error response itself and reports whether to continue
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, graphID string) bool {
	_, err := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), graphID)
	if err == nil {
		return true
	}

	var (
		authErr  *collaboration.AuthError
		authzErr *collaboration.AuthorizationError
	)
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, collaboration.CodeAuthFailed, "invalid or expired token")
	case errors.As(err, &authzErr):
		writeError(w, http.StatusForbidden, collaboration.CodeAuthorizationFailed, "no access to graph")
	default:
		log.Printf("❌ Authorization check for graph %s failed: %v", graphID, err)
		writeError(w, http.StatusInternalServerError, collaboration.CodeInternal, "authorization check failed")
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
