package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/service"
	"github.com/meridianhq/meridian/internal/store"
)

// SettingsLoader resolves the current runtime settings per request so
// system_config overrides apply without a restart.
type SettingsLoader func(ctx context.Context) config.Settings

type MemoryHandler struct {
	semantic domain.SemanticStore
	settings SettingsLoader
}

func NewMemoryHandler(semantic domain.SemanticStore, settings SettingsLoader) *MemoryHandler {
	return &MemoryHandler{semantic: semantic, settings: settings}
}

type memoryResponse struct {
	*domain.SemanticMemory
	EffectiveConfidence float64             `json:"effective_confidence"`
	EffectiveStatus     domain.MemoryStatus `json:"effective_status"`
}

// GetByID handles GET /v1/memories/{id}. The stored row comes back with
// its decayed confidence and derived status, so callers see what
// retrieval would see.
func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	m, err := h.semantic.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load memory")
		return
	}

	cfg := h.settings(r.Context())
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, memoryResponse{
		SemanticMemory:      m,
		EffectiveConfidence: service.EffectiveConfidence(cfg, m.Confidence, m.AgeReference(), now),
		EffectiveStatus:     service.EffectiveStatus(cfg, *m, now),
	})
}
