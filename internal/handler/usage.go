// Package handler contains the HTTP handlers for the mailsmith API.
//
// This file serves the usage view for the dashboard and upgrade prompts.
//
// Routes handled:
//   - GET /api/organizations/{orgID}/usage -> GetUsage
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
)

// UsagePresenter builds an organization's usage view.
type UsagePresenter interface {
	Present(ctx context.Context, orgID uuid.UUID) (*quota.UsageView, error)
}

// UsageHandler serves the read-only usage view.
type UsageHandler struct {
	presenter UsagePresenter
	logger    *slog.Logger
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(presenter UsagePresenter, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		presenter: presenter,
		logger:    logger,
	}
}

// RegisterRoutes registers usage routes. member must authenticate the caller
// and check workspace membership.
func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, member func(http.Handler) http.Handler) {
	mux.Handle("GET /api/organizations/{orgID}/usage", member(http.HandlerFunc(h.GetUsage)))
}

// GetUsage returns the organization's current usage. The view is a hint for
// the UI; admission is decided at generation time.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	view, err := h.presenter.Present(r.Context(), orgID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=30")
	writeJSON(w, http.StatusOK, view)
}
