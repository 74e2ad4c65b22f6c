package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/metrics"
	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds every usage store call made by the evaluator and the gate.
const DefaultStoreTimeout = 2 * time.Second

// Entitlement is an organization's resolved plan at one instant.
type Entitlement struct {
	Organization *domain.Organization
	Plan         domain.Plan
	Limits       domain.PlanLimits
	Trial        domain.TrialState
	PeriodKey    string

	// Denial is set when the organization may not consume any metric,
	// regardless of counts. The only such reason today is trial_expired.
	Denial domain.Reason
}

// Limit returns the entitlement's limit for a metric.
func (e *Entitlement) Limit(m domain.Metric) int64 {
	return e.Limits.Limit(m)
}

// Usage is an organization's entitlement plus a decision for every metric.
type Usage struct {
	Entitlement *Entitlement
	Decisions   []domain.QuotaDecision
}

// Option configures an Evaluator or a Gate.
type Option func(*options)

type options struct {
	now              func() time.Time
	storeTimeout     time.Duration
	operationTimeout time.Duration
	classify         Classifier
}

func defaultOptions() options {
	return options{
		now:              time.Now,
		storeTimeout:     DefaultStoreTimeout,
		operationTimeout: DefaultOperationTimeout,
		classify:         ClassifyTransient,
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithStoreTimeout bounds each usage store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// Evaluator computes allow/deny decisions without side effects on counters.
type Evaluator struct {
	orgs    OrganizationStore
	counter UsageCounter
	catalog *Catalog
	trial   TrialWindow
	logger  *slog.Logger
	opts    options
}

// NewEvaluator creates a new quota evaluator.
func NewEvaluator(orgs OrganizationStore, counter UsageCounter, catalog *Catalog, logger *slog.Logger, opts ...Option) *Evaluator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Evaluator{
		orgs:    orgs,
		counter: counter,
		catalog: catalog,
		logger:  logger,
		opts:    o,
	}
}

// Resolve loads the organization and determines its plan, limits and period.
//
// Errors are *DeniedError with reason organization_not_found or
// provider_unavailable.
func (e *Evaluator) Resolve(ctx context.Context, orgID uuid.UUID) (*Entitlement, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.opts.storeTimeout)
	org, err := e.orgs.GetOrganization(lookupCtx, orgID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrOrganizationNotFound) {
			return nil, &DeniedError{Reason: domain.ReasonOrganizationNotFound, Err: err}
		}
		e.logger.Error("failed to load organization for quota check",
			"organization_id", orgID,
			"error", err,
		)
		return nil, &DeniedError{Reason: domain.ReasonProviderUnavailable, Err: err}
	}

	now := e.opts.now()
	ent := &Entitlement{
		Organization: org,
		Trial:        e.trial.Evaluate(org, now),
	}

	if ent.Trial.Status == domain.TrialStatusExpired && !org.TrialExpiredLatched {
		e.latchTrialExpired(ctx, org)
	}

	switch {
	case org.HasActivePaidPlan():
		ent.Plan = org.Plan
		ent.PeriodKey = CycleKey(org, now)
	case ent.Trial.Status == domain.TrialStatusActive:
		ent.Plan = domain.PlanTrial
		ent.PeriodKey = TrialKey(*org.TrialStartedAt)
	case ent.Trial.Status == domain.TrialStatusExpired:
		ent.Plan = domain.PlanTrial
		ent.PeriodKey = TrialKey(*org.TrialStartedAt)
		ent.Denial = domain.ReasonTrialExpired
	default:
		ent.Plan = domain.PlanFree
		ent.PeriodKey = MonthKey(now)
	}
	ent.Limits = e.catalog.LimitsFor(ent.Plan)

	return ent, nil
}

// latchTrialExpired persists the first observation of trial expiry. Failure
// is logged only; the next evaluation retries.
func (e *Evaluator) latchTrialExpired(ctx context.Context, org *domain.Organization) {
	latchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.storeTimeout)
	defer cancel()

	if err := e.orgs.LatchTrialExpired(latchCtx, org.ID); err != nil {
		e.logger.Warn("failed to latch trial expiry",
			"organization_id", org.ID,
			"error", err,
		)
		return
	}
	org.TrialExpiredLatched = true
	e.logger.Info("trial expired",
		"organization_id", org.ID,
		"expired_at", org.TrialExpiresAt,
	)
}

// Evaluate decides whether the organization may consume one more unit of
// metric. Denials are reported through the decision's Reason; the error is
// reserved for invalid input.
func (e *Evaluator) Evaluate(ctx context.Context, orgID uuid.UUID, metric domain.Metric) (domain.QuotaDecision, error) {
	const op = "quota.evaluate"

	if !metric.Valid() {
		return domain.QuotaDecision{}, domain.Invalid(op, fmt.Sprintf("unknown metric %q", metric))
	}

	ent, err := e.Resolve(ctx, orgID)
	if err != nil {
		d := deniedDecision(metric, reasonOf(err))
		metrics.QuotaDecision(string(metric), string(d.Reason))
		return d, nil
	}

	d := e.decide(ctx, ent, metric)
	metrics.QuotaDecision(string(metric), string(d.Reason))
	return d, nil
}

// Usage evaluates every metric for the organization in one pass.
func (e *Evaluator) Usage(ctx context.Context, orgID uuid.UUID) (*Usage, error) {
	ent, err := e.Resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}

	u := &Usage{Entitlement: ent}
	for _, m := range domain.Metrics {
		d := e.decide(ctx, ent, m)
		if d.Reason == domain.ReasonProviderUnavailable {
			return nil, &DeniedError{Reason: d.Reason, Metric: m}
		}
		u.Decisions = append(u.Decisions, d)
	}

	if ent.Trial.Status != domain.TrialStatusNone && ent.Plan == domain.PlanTrial {
		for _, d := range u.Decisions {
			switch d.Metric {
			case domain.MetricTemplate:
				ent.Trial.TemplatesUsed = d.Used
			case domain.MetricImage:
				ent.Trial.ImagesUsed = d.Used
			}
		}
	}

	return u, nil
}

func (e *Evaluator) decide(ctx context.Context, ent *Entitlement, metric domain.Metric) domain.QuotaDecision {
	limit := ent.Limit(metric)

	snapCtx, cancel := context.WithTimeout(ctx, e.opts.storeTimeout)
	start := time.Now()
	used, err := e.counter.Snapshot(snapCtx, ent.Organization.ID, metric, ent.PeriodKey)
	cancel()
	metrics.QuotaStoreCall("snapshot", start, err)
	if err != nil {
		e.logger.Error("failed to read usage counter",
			"organization_id", ent.Organization.ID,
			"metric", metric,
			"period_key", ent.PeriodKey,
			"error", err,
		)
		d := deniedDecision(metric, domain.ReasonProviderUnavailable)
		d.Plan = ent.Plan
		d.PeriodKey = ent.PeriodKey
		return d
	}

	d := domain.NewQuotaDecision(metric, ent.Plan, ent.PeriodKey, used, limit)
	switch {
	case ent.Denial != "":
		d.Reason = ent.Denial
	case limit <= 0 || used >= limit:
		d.Reason = domain.ReasonLimitReached
	default:
		d.Allowed = true
		d.Reason = domain.ReasonOK
	}
	return d
}

func deniedDecision(metric domain.Metric, reason domain.Reason) domain.QuotaDecision {
	return domain.QuotaDecision{
		Allowed: false,
		Reason:  reason,
		Metric:  metric,
	}
}

// reasonOf extracts the denial reason from an error returned by Resolve.
func reasonOf(err error) domain.Reason {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	return domain.ReasonProviderUnavailable
}
