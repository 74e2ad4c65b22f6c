// Package domain contains core business types and interfaces.
//
// This file defines the quota vocabulary shared by the catalog, the usage
// counters, the evaluator and the admission gate.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Metrics and Plans
// =============================================================================

// Metric identifies a metered resource.
type Metric string

const (
	MetricTemplate Metric = "template"
	MetricImage    Metric = "image"
)

// Metrics lists every metered resource in display order.
var Metrics = []Metric{MetricTemplate, MetricImage}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricTemplate, MetricImage:
		return true
	default:
		return false
	}
}

// Plan identifies an entitlement plan.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPro   Plan = "pro"
	PlanScale Plan = "scale"
	PlanTrial Plan = "trial"
)

// Plans lists every known plan.
var Plans = []Plan{PlanFree, PlanTrial, PlanPro, PlanScale}

// IsPaid reports whether the plan is sold through the billing provider.
func (p Plan) IsPaid() bool {
	return p == PlanPro || p == PlanScale
}

// PlanLimits is the immutable entitlement snapshot for a plan.
// Limits apply per billing period, or per trial window for the trial plan.
type PlanLimits struct {
	Plan                 Plan  `yaml:"-" json:"plan"`
	TemplatesLimit       int64 `yaml:"templates" json:"templates_limit"`
	ImagesLimit          int64 `yaml:"images" json:"images_limit"`
	HasPremiumImageModel bool  `yaml:"premium_image_model" json:"has_premium_image_model"`
	HasPriorityQueue     bool  `yaml:"priority_queue" json:"has_priority_queue"`
}

// Limit returns the limit for the given metric. Unknown metrics get 0.
func (l PlanLimits) Limit(m Metric) int64 {
	switch m {
	case MetricTemplate:
		return l.TemplatesLimit
	case MetricImage:
		return l.ImagesLimit
	default:
		return 0
	}
}

// =============================================================================
// Usage Records and Reservations
// =============================================================================

// UsageRecord is the durable counter for one (organization, metric, period).
type UsageRecord struct {
	OrganizationID uuid.UUID
	Metric         Metric
	PeriodKey      string
	Count          int64
	UpdatedAt      time.Time
}

// ReservationStatus tracks a reservation through the admission state machine.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	// ReservationStatusExpired marks a reservation stranded by a crash and settled
	// by the sweeper. The unit stays consumed.
	ReservationStatusExpired ReservationStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	return s != ReservationStatusReserved
}

// CanTransitionTo checks if a reservation can move to the target status.
//
// Valid transitions:
// - reserved -> committed (operation succeeded)
// - reserved -> released (operation failed, unit refunded)
// - reserved -> expired (stranded, settled by the sweeper)
func (s ReservationStatus) CanTransitionTo(target ReservationStatus) bool {
	if s != ReservationStatusReserved {
		return false
	}
	switch target {
	case ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return true
	}
	return false
}

// Reservation is the token for one provisionally consumed quota unit.
type Reservation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Metric         Metric
	PeriodKey      string
	Status         ReservationStatus
	CreatedAt      time.Time
	SettledAt      *time.Time
	Metadata       json.RawMessage
}

// TransitionTo moves the reservation to the target status.
func (r *Reservation) TransitionTo(target ReservationStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(target) {
		return fmt.Errorf("cannot transition reservation from %s to %s", r.Status, target)
	}
	r.Status = target
	r.SettledAt = &at
	return nil
}

// =============================================================================
// Trial State
// =============================================================================

// TrialStatus describes where an organization is in its trial.
type TrialStatus string

const (
	TrialStatusNone    TrialStatus = "none"
	TrialStatusActive  TrialStatus = "active"
	TrialStatusExpired TrialStatus = "expired"
)

// TrialState is derived from the organization's trial timestamps.
type TrialState struct {
	Status        TrialStatus
	StartedAt     *time.Time
	ExpiresAt     *time.Time
	DaysRemaining int
	TemplatesUsed int64
	ImagesUsed    int64
}

// =============================================================================
// Quota Decisions
// =============================================================================

// Reason explains a quota decision.
type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonLimitReached         Reason = "limit_reached"
	ReasonTrialExpired         Reason = "trial_expired"
	ReasonOrganizationNotFound Reason = "organization_not_found"
	ReasonProviderUnavailable  Reason = "provider_unavailable"

	// Failure reasons surfaced after a reservation was refunded.
	ReasonOperationError    Reason = "operation_error"
	ReasonOperationRejected Reason = "operation_rejected"
)

// QuotaDecision is the ephemeral result of evaluating an organization's quota.
type QuotaDecision struct {
	Allowed        bool    `json:"allowed"`
	Reason         Reason  `json:"reason"`
	Metric         Metric  `json:"metric"`
	Plan           Plan    `json:"plan"`
	PeriodKey      string  `json:"period_key"`
	Used           int64   `json:"used"`
	Limit          int64   `json:"limit"`
	Remaining      int64   `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
}

// NewQuotaDecision fills the derived display fields from used and limit.
// PercentageUsed may exceed 100 when limits were lowered after usage accrued.
func NewQuotaDecision(metric Metric, plan Plan, periodKey string, used, limit int64) QuotaDecision {
	d := QuotaDecision{
		Metric:    metric,
		Plan:      plan,
		PeriodKey: periodKey,
		Used:      used,
		Limit:     limit,
		Remaining: max(limit-used, 0),
	}
	switch {
	case limit > 0:
		d.PercentageUsed = float64(used) * 100 / float64(limit)
	default:
		d.PercentageUsed = 100
	}
	return d
}

// DisplayPercentage clamps PercentageUsed to [0, 100] for UI use only.
func (d QuotaDecision) DisplayPercentage() float64 {
	return min(max(d.PercentageUsed, 0), 100)
}
