package quota

import (
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestTrialWindow_Evaluate(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		expiresIn  time.Duration
		latched    bool
		wantStatus domain.TrialStatus
		wantDays   int
	}{
		{"expired one millisecond ago", -time.Millisecond, false, domain.TrialStatusExpired, 0},
		{"expires exactly now", 0, false, domain.TrialStatusExpired, 0},
		{"one day left", 24 * time.Hour, false, domain.TrialStatusActive, 1},
		{"one millisecond left rounds up", time.Millisecond, false, domain.TrialStatusActive, 1},
		{"a day and a bit rounds up", 25 * time.Hour, false, domain.TrialStatusActive, 2},
		{"full trial", DefaultTrialLength, false, domain.TrialStatusActive, 14},
		{"latched stays expired", 24 * time.Hour, true, domain.TrialStatusExpired, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org := trialOrg(now, tt.expiresIn)
			org.TrialExpiredLatched = tt.latched

			state := TrialWindow{}.Evaluate(org, now)
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantDays, state.DaysRemaining)
			assert.NotNil(t, state.ExpiresAt)
		})
	}
}

func TestTrialWindow_NoTrial(t *testing.T) {
	state := TrialWindow{}.Evaluate(freeOrg(), time.Now())
	assert.Equal(t, domain.TrialStatusNone, state.Status)
	assert.Nil(t, state.ExpiresAt)
	assert.Zero(t, state.DaysRemaining)
}
