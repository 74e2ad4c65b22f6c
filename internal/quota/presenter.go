package quota

import (
	"context"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NearLimitThreshold is the display percentage at which a metric is flagged
// as approaching its limit.
const NearLimitThreshold = 80.0

// MetricUsage is the display view of one metric.
type MetricUsage struct {
	Metric     domain.Metric `json:"metric"`
	Used       int64         `json:"used"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	Percentage float64       `json:"percentage"`
	NearLimit  bool          `json:"near_limit"`
	AtLimit    bool          `json:"at_limit"`
	Allowed    bool          `json:"allowed"`
	Reason     domain.Reason `json:"reason"`
}

// TrialView is the display view of the trial window.
type TrialView struct {
	Status        domain.TrialStatus `json:"status"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	DaysRemaining int                `json:"days_remaining"`
	TemplatesUsed int64              `json:"templates_used"`
	ImagesUsed    int64              `json:"images_used"`
}

// UsageView is the read-only projection served to the UI. Clients should
// treat it as a hint; the gate makes the authoritative decision.
type UsageView struct {
	OrganizationID       uuid.UUID     `json:"organization_id"`
	Plan                 domain.Plan   `json:"plan"`
	PlanName             string        `json:"plan_name"`
	PeriodKey            string        `json:"period_key"`
	HasPremiumImageModel bool          `json:"has_premium_image_model"`
	HasPriorityQueue     bool          `json:"has_priority_queue"`
	Trial                TrialView     `json:"trial"`
	Metrics              []MetricUsage `json:"metrics"`
}

// Metric returns the view for m, or false if it is absent.
func (v *UsageView) Metric(m domain.Metric) (MetricUsage, bool) {
	for _, mu := range v.Metrics {
		if mu.Metric == m {
			return mu, true
		}
	}
	return MetricUsage{}, false
}

// Presenter builds UsageViews.
type Presenter struct {
	evaluator *Evaluator
}

// NewPresenter creates a usage presenter.
func NewPresenter(evaluator *Evaluator) *Presenter {
	return &Presenter{evaluator: evaluator}
}

// Present returns the organization's current usage. Errors are *DeniedError.
func (p *Presenter) Present(ctx context.Context, orgID uuid.UUID) (*UsageView, error) {
	usage, err := p.evaluator.Usage(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return p.view(usage), nil
}

func (p *Presenter) view(u *Usage) *UsageView {
	ent := u.Entitlement
	v := &UsageView{
		OrganizationID:       ent.Organization.ID,
		Plan:                 ent.Plan,
		PlanName:             planName(ent.Plan),
		PeriodKey:            ent.PeriodKey,
		HasPremiumImageModel: ent.Limits.HasPremiumImageModel,
		HasPriorityQueue:     ent.Limits.HasPriorityQueue,
		Trial: TrialView{
			Status:        ent.Trial.Status,
			StartedAt:     ent.Trial.StartedAt,
			ExpiresAt:     ent.Trial.ExpiresAt,
			DaysRemaining: ent.Trial.DaysRemaining,
			TemplatesUsed: ent.Trial.TemplatesUsed,
			ImagesUsed:    ent.Trial.ImagesUsed,
		},
		Metrics: make([]MetricUsage, 0, len(u.Decisions)),
	}

	for _, d := range u.Decisions {
		pct := d.DisplayPercentage()
		v.Metrics = append(v.Metrics, MetricUsage{
			Metric:     d.Metric,
			Used:       d.Used,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			Percentage: pct,
			NearLimit:  pct >= NearLimitThreshold,
			AtLimit:    d.Remaining == 0,
			Allowed:    d.Allowed,
			Reason:     d.Reason,
		})
	}
	return v
}

// planName returns the display name of a plan. Casers are stateful, so one is
// built per call.
func planName(plan domain.Plan) string {
	return cases.Title(language.English).String(string(plan))
}
