package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/meridianhq/meridian/internal/domain"
)

const (
	defaultConflictWindow = 24 * time.Hour
	defaultConflictLimit  = 50
)

type ConflictHandler struct {
	conflicts domain.ConflictStore
}

func NewConflictHandler(conflicts domain.ConflictStore) *ConflictHandler {
	return &ConflictHandler{conflicts: conflicts}
}

type conflictListResponse struct {
	Since     time.Time               `json:"since"`
	Conflicts []domain.MemoryConflict `json:"conflicts"`
}

// List handles GET /v1/conflicts?since=&limit=, the review surface over
// recorded disagreements. since is RFC 3339; it defaults to the last day.
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-defaultConflictWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp, expected RFC 3339")
			return
		}
		since = parsed
	}

	limit := defaultConflictLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	conflicts, err := h.conflicts.ListSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []domain.MemoryConflict{}
	}

	writeJSON(w, http.StatusOK, conflictListResponse{Since: since, Conflicts: conflicts})
}
