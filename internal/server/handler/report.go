package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// ReportStore returns the newest archived document of a kind.
type ReportStore interface {
	Latest(ctx context.Context, kind string) (string, []byte, error)
}

// ReportHandler serves archived reconciliation reports.
type ReportHandler struct {
	reports ReportStore
	logger  *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(reports ReportStore, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, logger: logger}
}

// LatestReport streams the newest archived report of {kind} unchanged.
// GET /api/reports/{kind}/latest
func (h *ReportHandler) LatestReport(w http.ResponseWriter, r *http.Request) {
	kind := pathParam(r, "kind")
	path, body, err := h.reports.Latest(r.Context(), kind)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load report", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Report-Path", path)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
