package quota

import (
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthKey(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// 2026-10-31 22:00 EST is already November in UTC
	assert.Equal(t, "month:2026-11", MonthKey(time.Date(2026, 10, 31, 22, 0, 0, 0, est)))
	assert.Equal(t, "month:2026-10", MonthKey(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCycleStart(t *testing.T) {
	anchor := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval domain.BillingInterval
		now      time.Time
		want     time.Time
	}{
		{"inside first cycle", domain.BillingIntervalMonth, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), anchor},
		{"at boundary", domain.BillingIntervalMonth, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)},
		{"several cycles lapsed", domain.BillingIntervalMonth, time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC), time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)},
		{"before anchor", domain.BillingIntervalMonth, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), anchor},
		{"yearly", domain.BillingIntervalYear, time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleStart(anchor, tt.interval, tt.now))
		})
	}
}

func TestCycleStart_MonthEndAnchor(t *testing.T) {
	day := func(year int, month time.Month, d int) time.Time {
		return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name     string
		anchor   time.Time
		interval domain.BillingInterval
		now      time.Time
		want     time.Time
	}{
		{"jan 31 renews on feb 28", day(2026, 1, 31), domain.BillingIntervalMonth, day(2026, 2, 28), day(2026, 2, 28)},
		{"early march is still february's cycle", day(2026, 1, 31), domain.BillingIntervalMonth, day(2026, 3, 2), day(2026, 2, 28)},
		{"march renews on the 31st", day(2026, 1, 31), domain.BillingIntervalMonth, day(2026, 3, 31), day(2026, 3, 31)},
		{"april clamps to the 30th", day(2026, 1, 31), domain.BillingIntervalMonth, day(2026, 4, 30), day(2026, 4, 30)},
		{"day before april renewal", day(2026, 1, 31), domain.BillingIntervalMonth, day(2026, 4, 29), day(2026, 3, 31)},
		{"leap year february", day(2028, 1, 31), domain.BillingIntervalMonth, day(2028, 2, 29), day(2028, 2, 29)},
		{"jan 30 also clamps to feb 28", day(2026, 1, 30), domain.BillingIntervalMonth, day(2026, 3, 1), day(2026, 2, 28)},
		{"leap day anchor renews yearly on feb 28", day(2028, 2, 29), domain.BillingIntervalYear, day(2029, 2, 28), day(2029, 2, 28)},
		{"leap day anchor returns in next leap year", day(2028, 2, 29), domain.BillingIntervalYear, day(2032, 3, 1), day(2032, 2, 29)},
		{"anchor clock is kept", time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC), domain.BillingIntervalMonth,
			time.Date(2026, 2, 28, 9, 29, 0, 0, time.UTC), time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleStart(tt.anchor, tt.interval, tt.now))
		})
	}
}

func TestCycleKey_MonthEndAnchor(t *testing.T) {
	anchor := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	org := &domain.Organization{PeriodStart: &anchor, BillingInterval: domain.BillingIntervalMonth}

	assert.Equal(t, "cycle:2026-01-31", CycleKey(org, time.Date(2026, 2, 27, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "cycle:2026-02-28", CycleKey(org, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "cycle:2026-02-28", CycleKey(org, time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "cycle:2026-03-31", CycleKey(org, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)))
}

func TestPeriodKeyFor(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	periodStart := time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)

	org := trialOrg(now, 24*time.Hour)
	org.PeriodStart = &periodStart

	key, err := PeriodKeyFor(org, domain.PlanTrial, now)
	require.NoError(t, err)
	assert.Equal(t, TrialKey(*org.TrialStartedAt), key)

	key, err = PeriodKeyFor(org, domain.PlanPro, now)
	require.NoError(t, err)
	assert.Equal(t, "cycle:2026-10-03", key)

	key, err = PeriodKeyFor(org, domain.PlanFree, now)
	require.NoError(t, err)
	assert.Equal(t, "month:2026-10", key)

	_, err = PeriodKeyFor(freeOrg(), domain.PlanTrial, now)
	assert.Error(t, err)
}
