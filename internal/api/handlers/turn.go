package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/store"
)

// TurnProcessor is the orchestrator surface the handler depends on.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, input domain.TurnInput) (*domain.TurnResult, error)
}

type TurnHandler struct {
	svc    TurnProcessor
	logger *zap.Logger
}

func NewTurnHandler(svc TurnProcessor, logger *zap.Logger) *TurnHandler {
	return &TurnHandler{svc: svc, logger: logger}
}

// Process handles POST /v1/turns: one user message in, the full turn
// result out. Validation failures are the caller's fault; everything
// else is a 500 with the detail kept in the logs.
func (h *TurnHandler) Process(w http.ResponseWriter, r *http.Request) {
	var input domain.TurnInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.ProcessTurn(r.Context(), input)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("turn processing failed", zap.String("user_id", input.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process turn")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
