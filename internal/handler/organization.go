// This file implements workspace lifecycle endpoints.
//
// Routes handled:
//   - POST /api/organizations                 -> CreateOrganization
//   - GET  /api/organizations/{orgID}         -> GetOrganization
//   - POST /api/organizations/{orgID}/trial   -> StartTrial
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/mailsmith/internal/auth"
	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/validation"
	"github.com/google/uuid"
)

// MaxOrganizationNameLength bounds workspace names. The validate tag on
// CreateOrganizationRequest carries the same number.
const MaxOrganizationNameLength = 100

// OrganizationStore is the subset of the store the workspace endpoints use.
type OrganizationStore interface {
	CreateOrganization(ctx context.Context, name, ownerUserID string) (*domain.Organization, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	StartTrial(ctx context.Context, id uuid.UUID, startedAt time.Time, length time.Duration) (*domain.Organization, error)
}

// OrganizationHandler handles workspace creation and trials.
type OrganizationHandler struct {
	orgs        OrganizationStore
	trialLength time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewOrganizationHandler creates a new OrganizationHandler.
func NewOrganizationHandler(orgs OrganizationStore, trialLength time.Duration, logger *slog.Logger) *OrganizationHandler {
	return &OrganizationHandler{
		orgs:        orgs,
		trialLength: trialLength,
		now:         time.Now,
		logger:      logger,
	}
}

// RegisterRoutes registers workspace routes. authed authenticates the caller;
// member additionally checks workspace membership.
func (h *OrganizationHandler) RegisterRoutes(mux *http.ServeMux, authed, member func(http.Handler) http.Handler) {
	mux.Handle("POST /api/organizations", authed(http.HandlerFunc(h.CreateOrganization)))
	mux.Handle("GET /api/organizations/{orgID}", member(http.HandlerFunc(h.GetOrganization)))
	mux.Handle("POST /api/organizations/{orgID}/trial", member(http.HandlerFunc(h.StartTrial)))
}

// CreateOrganizationRequest is the request body for creating a workspace.
type CreateOrganizationRequest struct {
	Name string `json:"name" validate:"notblank,max=100"`
}

// OrganizationResponse is the public view of a workspace.
type OrganizationResponse struct {
	ID                 uuid.UUID                 `json:"id"`
	Name               string                    `json:"name"`
	Plan               domain.Plan               `json:"plan"`
	SubscriptionStatus domain.SubscriptionStatus `json:"subscription_status"`
	BillingInterval    domain.BillingInterval    `json:"billing_interval"`
	PeriodStart        *time.Time                `json:"period_start,omitempty"`
	PeriodEnd          *time.Time                `json:"period_end,omitempty"`
	TrialStartedAt     *time.Time                `json:"trial_started_at,omitempty"`
	TrialExpiresAt     *time.Time                `json:"trial_expires_at,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
}

func newOrganizationResponse(org *domain.Organization) OrganizationResponse {
	return OrganizationResponse{
		ID:                 org.ID,
		Name:               org.Name,
		Plan:               org.Plan,
		SubscriptionStatus: org.SubscriptionStatus,
		BillingInterval:    org.BillingInterval,
		PeriodStart:        org.PeriodStart,
		PeriodEnd:          org.PeriodEnd,
		TrialStartedAt:     org.TrialStartedAt,
		TrialExpiresAt:     org.TrialExpiresAt,
		CreatedAt:          org.CreatedAt,
	}
}

// CreateOrganization creates a workspace on the free plan owned by the caller.
func (h *OrganizationHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	if principal == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req CreateOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := validation.Struct("organization.create", req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	org, err := h.orgs.CreateOrganization(r.Context(), req.Name, principal.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("organization created", "organization_id", org.ID, "user_id", principal.UserID)
	writeJSON(w, http.StatusCreated, newOrganizationResponse(org))
}

// GetOrganization returns the workspace.
func (h *OrganizationHandler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	org, err := h.orgs.GetOrganization(r.Context(), orgID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrganizationResponse(org))
}

// StartTrial opens the workspace's one-time trial window.
func (h *OrganizationHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	org, err := h.orgs.StartTrial(r.Context(), orgID, h.now().UTC(), h.trialLength)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("trial started", "organization_id", org.ID, "expires_at", org.TrialExpiresAt)
	writeJSON(w, http.StatusOK, newOrganizationResponse(org))
}

// orgIDFromPath parses the {orgID} path value.
func orgIDFromPath(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("orgID"))
	if err != nil {
		return uuid.Nil, domain.Errorf(domain.ENOTFOUND, "handler.org_id", "Workspace not found")
	}
	return id, nil
}
