package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dcabot/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context) ([]service.PositionView, error)
	Get(ctx context.Context, id string) (service.PositionDetail, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []service.PositionView `json:"positions"`
}

// ListPositions returns all PENDING and OPEN positions valued at their marks.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.Open(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list positions", err)
		return
	}
	if positions == nil {
		positions = []service.PositionView{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position with its order history.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}
	detail, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get position", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
