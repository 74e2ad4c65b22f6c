// This file implements the Stripe webhook handler for processing billing events.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no auth middleware) because Stripe calls it directly.
// Authentication is via the Stripe webhook signature verification.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/mailsmith/internal/billing"
	"github.com/stripe/stripe-go/v79"
)

// maxWebhookBody bounds Stripe event payloads.
const maxWebhookBody = 64 << 10

// EventApplier folds verified billing events into organization state.
// *billing.Sync implements it.
type EventApplier interface {
	Apply(ctx context.Context, event stripe.Event) error
}

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing billing.Service
	sync    EventApplier
	logger  *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, sync EventApplier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing: billingService,
		sync:    sync,
		logger:  logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are PUBLIC: no auth middleware.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook verifies and applies a Stripe event. Storage failures
// answer 500 so Stripe redelivers the event.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	if err := h.sync.Apply(r.Context(), event); err != nil {
		h.logger.Error("failed to apply webhook event", "type", event.Type, "id", event.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
