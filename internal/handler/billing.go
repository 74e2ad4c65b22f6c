// This file implements subscription management backed by Stripe. Checkout and
// the customer portal are hosted by Stripe; plan changes arrive by webhook.
//
// Routes handled:
//   - POST /api/organizations/{orgID}/billing/checkout -> CreateCheckout
//   - POST /api/organizations/{orgID}/billing/portal   -> OpenPortal
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/mailsmith/internal/billing"
	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/validation"
)

// BillingHandler handles billing and subscription management HTTP requests.
type BillingHandler struct {
	billing billing.Service
	orgs    OrganizationStore
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// billingService may be nil when Stripe is not configured (development mode).
func NewBillingHandler(billingService billing.Service, orgs OrganizationStore, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: billingService,
		orgs:    orgs,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, member func(http.Handler) http.Handler) {
	mux.Handle("POST /api/organizations/{orgID}/billing/checkout", member(http.HandlerFunc(h.CreateCheckout)))
	mux.Handle("POST /api/organizations/{orgID}/billing/portal", member(http.HandlerFunc(h.OpenPortal)))
}

// CheckoutRequest is the request body for starting a checkout.
type CheckoutRequest struct {
	Plan     domain.Plan            `json:"plan" validate:"required,oneof=pro scale"`
	Interval domain.BillingInterval `json:"interval,omitempty" validate:"omitempty,oneof=month year"`
}

// RedirectResponse carries a Stripe-hosted URL for the client to open.
type RedirectResponse struct {
	URL string `json:"url"`
}

// CreateCheckout starts a Stripe Checkout session for a paid plan.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, errBillingDisabled)
		return
	}

	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := validation.Struct("billing.checkout", req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Interval == "" {
		req.Interval = domain.BillingIntervalMonth
	}

	org, err := h.orgs.GetOrganization(r.Context(), orgID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), billing.CheckoutParams{
		OrganizationID: org.ID,
		CustomerID:     org.StripeCustomerID,
		Plan:           req.Plan,
		Interval:       req.Interval,
		SuccessURL:     h.baseURL + "/settings/billing?checkout=success",
		CancelURL:      h.baseURL + "/settings/billing",
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("checkout session created", "organization_id", org.ID, "plan", req.Plan, "interval", req.Interval)
	writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

// OpenPortal opens the Stripe customer portal for the workspace.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, errBillingDisabled)
		return
	}

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
	if org.StripeCustomerID == "" {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.ECONFLICT, "billing.portal", "This workspace has no billing account yet"))
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), org.StripeCustomerID, h.baseURL+"/settings/billing")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

var errBillingDisabled = domain.Unavailable(nil, "billing", "Billing is not configured")
