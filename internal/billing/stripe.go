// Package billing provides Stripe billing integration for subscription management.
//
// Stripe is the source of truth for paid plans. Checkout and the customer
// portal are hosted by Stripe; subscription webhooks are folded into the
// organization row by Sync.
package billing

import (
	"context"
	"fmt"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	billingportalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// MetadataOrganizationID is the subscription metadata key carrying the organization.
const MetadataOrganizationID = "organization_id"

// Service defines the interface for billing operations.
type Service interface {
	// CreateCheckoutSession creates a Stripe Checkout session for subscribing
	// an organization to a paid plan. Returns the checkout URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// CreatePortalSession creates a Stripe Customer Portal session.
	// Returns the portal URL to redirect the user to.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// PlanForPrice returns the plan and interval sold under a Stripe price ID.
	PlanForPrice(priceID string) (domain.Plan, domain.BillingInterval, bool)
}

// CheckoutParams describes a subscription checkout.
type CheckoutParams struct {
	OrganizationID uuid.UUID
	CustomerID     string // Reuse an existing Stripe customer when set
	Plan           domain.Plan
	Interval       domain.BillingInterval
	SuccessURL     string
	CancelURL      string
}

// PriceConfig holds the Stripe price IDs for each paid plan and interval.
type PriceConfig struct {
	ProMonthlyPriceID   string
	ProYearlyPriceID    string
	ScaleMonthlyPriceID string
	ScaleYearlyPriceID  string
}

type planPrice struct {
	plan     domain.Plan
	interval domain.BillingInterval
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	priceToPlan   map[string]planPrice
	planToPrice   map[planPrice]string
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey is used to authenticate Stripe API calls.
// The webhookSecret is used to verify incoming webhook signatures.
func NewStripeService(secretKey, webhookSecret string, prices PriceConfig) Service {
	stripe.Key = secretKey

	s := &stripeService{
		webhookSecret: webhookSecret,
		priceToPlan:   make(map[string]planPrice),
		planToPrice:   make(map[planPrice]string),
	}
	s.addPrice(prices.ProMonthlyPriceID, domain.PlanPro, domain.BillingIntervalMonth)
	s.addPrice(prices.ProYearlyPriceID, domain.PlanPro, domain.BillingIntervalYear)
	s.addPrice(prices.ScaleMonthlyPriceID, domain.PlanScale, domain.BillingIntervalMonth)
	s.addPrice(prices.ScaleYearlyPriceID, domain.PlanScale, domain.BillingIntervalYear)
	return s
}

func (s *stripeService) addPrice(priceID string, plan domain.Plan, interval domain.BillingInterval) {
	if priceID == "" {
		return
	}
	pp := planPrice{plan: plan, interval: interval}
	s.priceToPlan[priceID] = pp
	s.planToPrice[pp] = priceID
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	priceID, ok := s.planToPrice[planPrice{plan: p.Plan, interval: p.Interval}]
	if !ok {
		return "", domain.Invalid("billing.checkout", fmt.Sprintf("Plan %s is not sold with %s billing", p.Plan, p.Interval))
	}

	orgID := p.OrganizationID.String()
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(orgID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataOrganizationID: orgID},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	// Webhook endpoints may be pinned to an API version other than the SDK's.
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) PlanForPrice(priceID string) (domain.Plan, domain.BillingInterval, bool) {
	pp, ok := s.priceToPlan[priceID]
	return pp.plan, pp.interval, ok
}
