package store

import (
	"context"
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_CreateAndGetOrganization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateOrganization(ctx, "Acme", "user_1")
	require.NoError(t, err)

	got, err := s.GetOrganization(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, domain.PlanFree, got.Plan)
	assert.Equal(t, domain.SubscriptionStatusInactive, got.SubscriptionStatus)
	assert.Equal(t, domain.BillingIntervalMonth, got.BillingInterval)
	assert.False(t, got.TrialExpiredLatched)
	assert.Nil(t, got.TrialStartedAt)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)

	ok, err := s.IsMember(ctx, created.ID, "user_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsMember(ctx, created.ID, "user_2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddMember(ctx, created.ID, "user_2", domain.RoleMember))
	ok, err = s.IsMember(ctx, created.ID, "user_2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLStore_GetOrganizationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOrganization(context.Background(), uuid.New())
	assert.ErrorIs(t, err, quota.ErrOrganizationNotFound)

	_, err = s.GetOrganizationByStripeCustomer(context.Background(), "cus_missing")
	assert.ErrorIs(t, err, quota.ErrOrganizationNotFound)
}

func TestSQLStore_StartTrialOnce(t *testing.T) {
	s := newTestStore(t)
	org := newTestOrganization(t, s)
	ctx := context.Background()

	started := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	got, err := s.StartTrial(ctx, org.ID, started, quota.DefaultTrialLength)
	require.NoError(t, err)
	require.NotNil(t, got.TrialStartedAt)
	assert.True(t, started.Equal(*got.TrialStartedAt))
	assert.True(t, started.Add(14*24*time.Hour).Equal(*got.TrialExpiresAt))

	_, err = s.StartTrial(ctx, org.ID, started.Add(time.Hour), quota.DefaultTrialLength)
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	_, err = s.StartTrial(ctx, uuid.New(), started, quota.DefaultTrialLength)
	assert.ErrorIs(t, err, quota.ErrOrganizationNotFound)
}

func TestSQLStore_LatchTrialExpired(t *testing.T) {
	s := newTestStore(t)
	org := newTestOrganization(t, s)
	ctx := context.Background()

	require.NoError(t, s.LatchTrialExpired(ctx, org.ID))

	got, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, got.TrialExpiredLatched)
}

func TestSQLStore_UpdateSubscription(t *testing.T) {
	s := newTestStore(t)
	org := newTestOrganization(t, s)
	ctx := context.Background()

	start := time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	err := s.UpdateSubscription(ctx, org.ID, SubscriptionUpdate{
		Plan:                 domain.PlanScale,
		Status:               domain.SubscriptionStatusActive,
		Interval:             domain.BillingIntervalYear,
		PeriodStart:          &start,
		PeriodEnd:            &end,
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
	})
	require.NoError(t, err)

	got, err := s.GetOrganizationByStripeCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ID)
	assert.Equal(t, domain.PlanScale, got.Plan)
	assert.Equal(t, domain.BillingIntervalYear, got.BillingInterval)
	assert.True(t, got.HasActivePaidPlan())
	assert.True(t, start.Equal(*got.PeriodStart))
	assert.Equal(t, "sub_123", got.StripeSubscriptionID)

	// Cancellation keeps the customer link.
	err = s.UpdateSubscription(ctx, org.ID, SubscriptionUpdate{
		Plan:   domain.PlanScale,
		Status: domain.SubscriptionStatusCanceled,
	})
	require.NoError(t, err)

	got, err = s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.False(t, got.HasActivePaidPlan())
	assert.Equal(t, "cus_123", got.StripeCustomerID)
	assert.Equal(t, domain.BillingIntervalMonth, got.BillingInterval)

	err = s.UpdateSubscription(ctx, uuid.New(), SubscriptionUpdate{Plan: domain.PlanPro})
	assert.ErrorIs(t, err, quota.ErrOrganizationNotFound)
}
