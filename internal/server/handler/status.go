package handler

import (
	"net/http"

	"github.com/alanyoungcy/dcabot/internal/service"
)

// RiskSource exposes the governor's last computed status.
type RiskSource interface {
	Status() service.RiskStatus
}

// ReconcileSource exposes the most recent reconciliation report.
type ReconcileSource interface {
	Last() *service.ReconcileReport
}

// StatusHandler serves the engine status: mode, risk state and the last
// reconciliation summary.
type StatusHandler struct {
	Mode   string
	DryRun bool

	risk      RiskSource
	reconcile ReconcileSource
}

// NewStatusHandler creates a StatusHandler. risk and reconcile may be nil.
func NewStatusHandler(mode string, dryRun bool, risk RiskSource, reconcile ReconcileSource) *StatusHandler {
	return &StatusHandler{Mode: mode, DryRun: dryRun, risk: risk, reconcile: reconcile}
}

type statusResponse struct {
	Mode      string                   `json:"mode"`
	DryRun    bool                     `json:"dry_run"`
	Risk      *service.RiskStatus      `json:"risk,omitempty"`
	Reconcile *service.ReconcileReport `json:"last_reconcile,omitempty"`
}

// GetStatus responds with the current mode, risk status and last report.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.Mode, DryRun: h.DryRun}
	if h.risk != nil {
		st := h.risk.Status()
		resp.Risk = &st
	}
	if h.reconcile != nil {
		resp.Reconcile = h.reconcile.Last()
	}
	writeJSON(w, http.StatusOK, resp)
}
