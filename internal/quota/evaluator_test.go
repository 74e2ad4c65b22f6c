package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(orgs OrganizationStore, counter UsageCounter, catalog *Catalog) *Evaluator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return NewEvaluator(orgs, counter, catalog, testLogger(), WithClock(fixedClock(testNow)))
}

func TestEvaluator_FreePlanAtLimit(t *testing.T) {
	org := freeOrg()
	counter := newMemCounter()
	counter.set(org.ID, domain.MetricTemplate, MonthKey(testNow), 3)

	e := newTestEvaluator(newMemOrgs(org), counter, nil)
	d, err := e.Evaluate(context.Background(), org.ID, domain.MetricTemplate)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonLimitReached, d.Reason)
	assert.Equal(t, int64(0), d.Remaining)
	assert.InDelta(t, 100, d.PercentageUsed, 0.001)
	assert.Equal(t, domain.PlanFree, d.Plan)
	assert.Equal(t, int64(3), d.Limit)
}

func TestEvaluator_Decisions(t *testing.T) {
	periodStart := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		org        func() *domain.Organization
		used       int64
		metric     domain.Metric
		wantAllow  bool
		wantReason domain.Reason
		wantPlan   domain.Plan
	}{
		{
			name:       "free under limit",
			org:        freeOrg,
			used:       2,
			metric:     domain.MetricImage,
			wantAllow:  true,
			wantReason: domain.ReasonOK,
			wantPlan:   domain.PlanFree,
		},
		{
			name:       "active trial",
			org:        func() *domain.Organization { return trialOrg(testNow, 24*time.Hour) },
			used:       19,
			metric:     domain.MetricTemplate,
			wantAllow:  true,
			wantReason: domain.ReasonOK,
			wantPlan:   domain.PlanTrial,
		},
		{
			name:       "expired trial denies even with headroom",
			org:        func() *domain.Organization { return trialOrg(testNow, -time.Millisecond) },
			used:       0,
			metric:     domain.MetricTemplate,
			wantAllow:  false,
			wantReason: domain.ReasonTrialExpired,
			wantPlan:   domain.PlanTrial,
		},
		{
			name: "paid plan wins over expired trial",
			org: func() *domain.Organization {
				o := trialOrg(testNow, -time.Hour)
				o.Plan = domain.PlanPro
				o.SubscriptionStatus = domain.SubscriptionStatusActive
				o.PeriodStart = &periodStart
				return o
			},
			used:       99,
			metric:     domain.MetricTemplate,
			wantAllow:  true,
			wantReason: domain.ReasonOK,
			wantPlan:   domain.PlanPro,
		},
		{
			name: "canceled paid plan falls back to free",
			org: func() *domain.Organization {
				o := freeOrg()
				o.Plan = domain.PlanScale
				o.SubscriptionStatus = domain.SubscriptionStatusCanceled
				return o
			},
			used:       3,
			metric:     domain.MetricImage,
			wantAllow:  false,
			wantReason: domain.ReasonLimitReached,
			wantPlan:   domain.PlanFree,
		},
		{
			name:       "over limit after downgrade",
			org:        freeOrg,
			used:       40,
			metric:     domain.MetricTemplate,
			wantAllow:  false,
			wantReason: domain.ReasonLimitReached,
			wantPlan:   domain.PlanFree,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org := tt.org()
			counter := newMemCounter()
			e := newTestEvaluator(newMemOrgs(org), counter, nil)

			ent, err := e.Resolve(context.Background(), org.ID)
			require.NoError(t, err)
			counter.set(org.ID, tt.metric, ent.PeriodKey, tt.used)

			d, err := e.Evaluate(context.Background(), org.ID, tt.metric)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantPlan, d.Plan)
			assert.Equal(t, tt.used, d.Used)
			assert.GreaterOrEqual(t, d.Remaining, int64(0))
		})
	}
}

func TestEvaluator_ZeroLimitAlwaysDenies(t *testing.T) {
	catalog, err := NewCatalog(map[domain.Plan]domain.PlanLimits{
		domain.PlanFree:  {TemplatesLimit: 0, ImagesLimit: 0},
		domain.PlanTrial: {TemplatesLimit: 20, ImagesLimit: 30},
		domain.PlanPro:   {TemplatesLimit: 100, ImagesLimit: 250},
		domain.PlanScale: {TemplatesLimit: 500, ImagesLimit: 1500},
	})
	require.NoError(t, err)

	org := freeOrg()
	e := newTestEvaluator(newMemOrgs(org), newMemCounter(), catalog)

	d, err := e.Evaluate(context.Background(), org.ID, domain.MetricTemplate)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonLimitReached, d.Reason)
	assert.Equal(t, int64(0), d.Remaining)
	assert.InDelta(t, 100, d.PercentageUsed, 0.001)
}

func TestEvaluator_OrganizationNotFound(t *testing.T) {
	e := newTestEvaluator(newMemOrgs(), newMemCounter(), nil)

	d, err := e.Evaluate(context.Background(), uuid.New(), domain.MetricTemplate)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonOrganizationNotFound, d.Reason)
}

func TestEvaluator_StoreErrorsFailClosed(t *testing.T) {
	t.Run("organization store", func(t *testing.T) {
		orgs := newMemOrgs()
		orgs.err = errors.New("connection refused")
		e := newTestEvaluator(orgs, newMemCounter(), nil)

		d, err := e.Evaluate(context.Background(), uuid.New(), domain.MetricImage)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, domain.ReasonProviderUnavailable, d.Reason)
	})

	t.Run("usage counter", func(t *testing.T) {
		org := freeOrg()
		counter := newMemCounter()
		counter.snapshotErr = errors.New("timeout")
		e := newTestEvaluator(newMemOrgs(org), counter, nil)

		d, err := e.Evaluate(context.Background(), org.ID, domain.MetricImage)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, domain.ReasonProviderUnavailable, d.Reason)
	})
}

func TestEvaluator_InvalidMetric(t *testing.T) {
	org := freeOrg()
	e := newTestEvaluator(newMemOrgs(org), newMemCounter(), nil)

	_, err := e.Evaluate(context.Background(), org.ID, domain.Metric("video"))
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestEvaluator_LatchesTrialExpiry(t *testing.T) {
	org := trialOrg(testNow, -time.Minute)
	orgs := newMemOrgs(org)
	e := newTestEvaluator(orgs, newMemCounter(), nil)

	_, err := e.Resolve(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{org.ID}, orgs.latched)

	// A clock that moved backwards still sees the trial as expired.
	earlier := NewEvaluator(orgs, newMemCounter(), DefaultCatalog(), testLogger(),
		WithClock(fixedClock(testNow.Add(-time.Hour))))
	ent, err := earlier.Resolve(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialStatusExpired, ent.Trial.Status)
	assert.Equal(t, domain.ReasonTrialExpired, ent.Denial)
	assert.Len(t, orgs.latched, 1, "already latched, no second write")
}

func TestEvaluator_UsageFillsTrialCounts(t *testing.T) {
	org := trialOrg(testNow, 3*24*time.Hour)
	counter := newMemCounter()
	key := TrialKey(*org.TrialStartedAt)
	counter.set(org.ID, domain.MetricTemplate, key, 4)
	counter.set(org.ID, domain.MetricImage, key, 9)

	e := newTestEvaluator(newMemOrgs(org), counter, nil)
	u, err := e.Usage(context.Background(), org.ID)
	require.NoError(t, err)

	assert.Len(t, u.Decisions, 2)
	assert.Equal(t, int64(4), u.Entitlement.Trial.TemplatesUsed)
	assert.Equal(t, int64(9), u.Entitlement.Trial.ImagesUsed)
	assert.Equal(t, 3, u.Entitlement.Trial.DaysRemaining)
}
