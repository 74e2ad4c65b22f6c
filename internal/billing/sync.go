package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/store"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// OrganizationStore is the subset of the store the webhook sync writes to.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*domain.Organization, error)
	UpdateSubscription(ctx context.Context, id uuid.UUID, u store.SubscriptionUpdate) error
}

// Sync folds Stripe subscription events into organization rows. Period
// rollover happens here: every renewal updates period_start, which moves the
// organization onto a fresh usage counter.
type Sync struct {
	billing Service
	orgs    OrganizationStore
	logger  *slog.Logger
}

// NewSync creates a subscription sync.
func NewSync(billing Service, orgs OrganizationStore, logger *slog.Logger) *Sync {
	return &Sync{
		billing: billing,
		orgs:    orgs,
		logger:  logger,
	}
}

// Apply handles one verified event. Events for unknown organizations are
// logged and dropped; a subscription whose price is not sold moves the
// organization to the free plan. Storage failures are returned so the
// webhook answers 5xx and Stripe retries.
func (s *Sync) Apply(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.applySubscription(ctx, event, false)
	case "customer.subscription.deleted":
		return s.applySubscription(ctx, event, true)
	case "checkout.session.completed":
		s.logCheckout(event)
		return nil
	default:
		s.logger.Debug("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

func (s *Sync) applySubscription(ctx context.Context, event stripe.Event, deleted bool) error {
	if event.Data == nil {
		return nil
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.logger.Error("failed to parse subscription event", "error", err, "type", event.Type)
		return nil
	}

	org, err := s.resolveOrganization(ctx, &sub)
	if errors.Is(err, quota.ErrOrganizationNotFound) {
		s.logger.Warn("organization not found for subscription event",
			"subscription_id", sub.ID, "type", event.Type)
		return nil
	}
	if err != nil {
		return err
	}

	update, known := s.subscriptionUpdate(&sub)
	if !known {
		// Unknown prices grant nothing: the organization drops to the free
		// plan until a known price shows up on the subscription.
		s.logger.Error("subscription has no known price, revoking paid plan",
			"subscription_id", sub.ID,
			"organization_id", org.ID,
			"prices", subscriptionPrices(&sub),
		)
		update.Plan = domain.PlanFree
		update.Status = domain.SubscriptionStatusInactive
		update.Interval = org.BillingInterval
	}
	if deleted {
		update.Status = domain.SubscriptionStatusCanceled
	}

	if err := s.orgs.UpdateSubscription(ctx, org.ID, update); err != nil {
		return fmt.Errorf("billing sync %s: %w", sub.ID, err)
	}

	s.logger.Info("subscription event processed",
		"organization_id", org.ID,
		"type", event.Type,
		"plan", update.Plan,
		"status", update.Status,
		"interval", update.Interval,
	)
	return nil
}

// resolveOrganization prefers the organization id stamped on the
// subscription at checkout and falls back to the customer link.
func (s *Sync) resolveOrganization(ctx context.Context, sub *stripe.Subscription) (*domain.Organization, error) {
	if raw := sub.Metadata[MetadataOrganizationID]; raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return s.orgs.GetOrganization(ctx, id)
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		return s.orgs.GetOrganizationByStripeCustomer(ctx, sub.Customer.ID)
	}
	return nil, quota.ErrOrganizationNotFound
}

// subscriptionUpdate builds the billing state carried by sub. The second
// result is false when none of its prices is sold in the catalog; plan and
// interval are then left empty.
func (s *Sync) subscriptionUpdate(sub *stripe.Subscription) (store.SubscriptionUpdate, bool) {
	u := store.SubscriptionUpdate{
		Status:               subscriptionStatus(sub.Status),
		StripeSubscriptionID: sub.ID,
	}
	if sub.Customer != nil {
		u.StripeCustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		u.PeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		u.PeriodEnd = &end
	}

	if sub.Items == nil {
		return u, false
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if plan, interval, ok := s.billing.PlanForPrice(item.Price.ID); ok {
			u.Plan = plan
			u.Interval = interval
			return u, true
		}
	}
	return u, false
}

func subscriptionPrices(sub *stripe.Subscription) []string {
	var ids []string
	if sub.Items == nil {
		return ids
	}
	for _, item := range sub.Items.Data {
		if item.Price != nil {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids
}

func (s *Sync) logCheckout(event stripe.Event) {
	if event.Data == nil {
		return
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		s.logger.Error("failed to parse checkout session", "error", err)
		return
	}
	// The subscription events that follow carry the organization in metadata.
	s.logger.Info("checkout completed",
		"session_id", session.ID,
		"organization_id", session.ClientReferenceID,
	)
}

// subscriptionStatus maps Stripe's status onto ours. Incomplete and paused
// subscriptions grant nothing.
func subscriptionStatus(status stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return domain.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return domain.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return domain.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return domain.SubscriptionStatusUnpaid
	default:
		return domain.SubscriptionStatusInactive
	}
}
