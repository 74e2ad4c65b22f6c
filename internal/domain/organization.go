// Package domain contains core business types and interfaces.
//
// This file defines the organization (workspace) snapshot the quota
// subsystem reads. Billing fields are written by the Stripe webhook, trial
// fields when a workspace starts its trial.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the billing provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

// BillingInterval is the billing cycle length of a paid plan.
type BillingInterval string

const (
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

// Months returns the length of the interval in calendar months.
func (b BillingInterval) Months() int {
	if b == BillingIntervalYear {
		return 12
	}
	return 1
}

// Organization is a tenant: the billing and quota scope.
type Organization struct {
	ID                   uuid.UUID
	Name                 string
	Plan                 Plan
	SubscriptionStatus   SubscriptionStatus
	BillingInterval      BillingInterval
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	TrialStartedAt       *time.Time
	TrialExpiresAt       *time.Time
	TrialExpiredLatched  bool
	StripeCustomerID     string
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasActivePaidPlan returns true if the billing provider reports a paid plan
// that should currently be honored. Past-due subscriptions keep their
// entitlements until the provider cancels them.
func (o *Organization) HasActivePaidPlan() bool {
	if !o.Plan.IsPaid() {
		return false
	}
	switch o.SubscriptionStatus {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// HasStartedTrial returns true if a trial window was ever opened.
func (o *Organization) HasStartedTrial() bool {
	return o.TrialStartedAt != nil && o.TrialExpiresAt != nil
}

// Role is a member's role inside an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Membership links a user (from the identity provider) to an organization.
type Membership struct {
	OrganizationID uuid.UUID
	UserID         string
	Role           Role
	CreatedAt      time.Time
}
