package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/domain"
)

const defaultEventLimit = 50

type SessionHandler struct {
	events domain.ChatEventStore
}

func NewSessionHandler(events domain.ChatEventStore) *SessionHandler {
	return &SessionHandler{events: events}
}

type sessionEventsResponse struct {
	SessionID uuid.UUID          `json:"session_id"`
	Events    []domain.ChatEvent `json:"events"`
}

// Events handles GET /v1/sessions/{id}/events, the audit surface over the
// append-only conversation log.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.events.Recent(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []domain.ChatEvent{}
	}

	writeJSON(w, http.StatusOK, sessionEventsResponse{SessionID: sessionID, Events: events})
}
