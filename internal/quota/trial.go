package quota

import (
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
)

// DefaultTrialLength is the trial window opened for a new workspace.
const DefaultTrialLength = 14 * 24 * time.Hour

const day = 24 * time.Hour

// TrialWindow derives trial status from an organization's trial timestamps.
type TrialWindow struct{}

// Evaluate returns the trial state at now. It never reads the clock itself.
//
// An organization whose expiry was already observed (TrialExpiredLatched)
// stays expired even if now moves backwards.
func (TrialWindow) Evaluate(org *domain.Organization, now time.Time) domain.TrialState {
	if !org.HasStartedTrial() {
		return domain.TrialState{Status: domain.TrialStatusNone}
	}

	state := domain.TrialState{
		StartedAt: org.TrialStartedAt,
		ExpiresAt: org.TrialExpiresAt,
	}

	expiresAt := *org.TrialExpiresAt
	if org.TrialExpiredLatched || !now.Before(expiresAt) {
		state.Status = domain.TrialStatusExpired
		return state
	}

	state.Status = domain.TrialStatusActive
	state.DaysRemaining = daysUntil(expiresAt, now)
	return state
}

// daysUntil is ceil((expiresAt - now) / 1 day), floored at 0.
func daysUntil(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := remaining / day
	if remaining%day != 0 {
		days++
	}
	return int(days)
}
