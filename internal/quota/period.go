package quota

import (
	"fmt"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
)

// Period keys address one usage window. Rolling over a period means starting
// to address a new key; records under old keys stay as history.

// MonthKey returns the calendar month key (UTC) used for free organizations.
func MonthKey(now time.Time) string {
	return "month:" + now.UTC().Format("2006-01")
}

// TrialKey returns the key for an organization's single trial window.
func TrialKey(startedAt time.Time) string {
	return "trial:" + startedAt.UTC().Format("20060102")
}

// CycleKey returns the billing cycle key for a paid organization.
//
// The stored period comes from the billing provider's webhooks. If those lag
// behind a cycle boundary, the period is rolled forward by whole intervals
// from the stored start so the counter still resets on time.
func CycleKey(org *domain.Organization, now time.Time) string {
	if org.PeriodStart == nil {
		return MonthKey(now)
	}
	start := CycleStart(org.PeriodStart.UTC(), org.BillingInterval, now.UTC())
	return "cycle:" + start.Format("2006-01-02")
}

// CycleStart returns the start of the billing cycle containing now, counting
// whole intervals from anchor. Times before anchor resolve to anchor.
//
// Each boundary keeps the anchor's day of month, clamped to the last day of
// shorter months: a cycle anchored on Jan 31 renews on Feb 28 and then on
// Mar 31.
func CycleStart(anchor time.Time, interval domain.BillingInterval, now time.Time) time.Time {
	months := interval.Months()
	start := anchor
	for k := 1; ; k++ {
		next := addMonthsClamped(anchor, k*months)
		if now.Before(next) {
			return start
		}
		start = next
	}
}

// addMonthsClamped moves t forward n calendar months without overflowing
// into the following month.
func addMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	// Day 0 of the month after the target is the target's last day.
	lastDay := time.Date(year, month+time.Month(n)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(year, month+time.Month(n), min(day, lastDay), hour, minute, sec, t.Nanosecond(), t.Location())
}

// PeriodKeyFor resolves the period key for a plan. It is exported for the
// operator CLI, which addresses counters directly.
func PeriodKeyFor(org *domain.Organization, plan domain.Plan, now time.Time) (string, error) {
	switch {
	case plan == domain.PlanTrial:
		if org.TrialStartedAt == nil {
			return "", fmt.Errorf("organization %s has no trial", org.ID)
		}
		return TrialKey(*org.TrialStartedAt), nil
	case plan.IsPaid():
		return CycleKey(org, now), nil
	default:
		return MonthKey(now), nil
	}
}
