package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
)

const organizationColumns = `id, name, plan, subscription_status, billing_interval,
	period_start, period_end, trial_started_at, trial_expires_at, trial_expired_latched,
	stripe_customer_id, stripe_subscription_id, created_at, updated_at`

// CreateOrganization inserts an organization on the free plan and makes
// ownerUserID its owner.
func (s *SQLStore) CreateOrganization(ctx context.Context, name, ownerUserID string) (*domain.Organization, error) {
	const op = "store.create_organization"

	now := fromMillis(toMillis(s.now()))
	org := &domain.Organization{
		ID:                 uuid.New(),
		Name:               name,
		Plan:               domain.PlanFree,
		SubscriptionStatus: domain.SubscriptionStatusInactive,
		BillingInterval:    domain.BillingIntervalMonth,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO organizations (id, name, plan, subscription_status, billing_interval, trial_expired_latched, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		org.ID, org.Name, string(org.Plan), string(org.SubscriptionStatus), string(org.BillingInterval),
		false, toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, unavailable(op, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO memberships (organization_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)`),
		org.ID, ownerUserID, string(domain.RoleOwner), toMillis(now),
	)
	if err != nil {
		return nil, unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(op, err)
	}
	return org, nil
}

// GetOrganization returns quota.ErrOrganizationNotFound for unknown ids.
func (s *SQLStore) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+organizationColumns+` FROM organizations WHERE id = ?`), id)
	return s.organizationFromRow("store.get_organization", row)
}

// GetOrganizationByStripeCustomer looks up the organization linked to a
// billing customer.
func (s *SQLStore) GetOrganizationByStripeCustomer(ctx context.Context, customerID string) (*domain.Organization, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = ?`), customerID)
	return s.organizationFromRow("store.get_organization_by_customer", row)
}

func (s *SQLStore) organizationFromRow(op string, row rowScanner) (*domain.Organization, error) {
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quota.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return org, nil
}

// StartTrial opens the organization's trial window. A trial can only be
// started once; later calls return an ECONFLICT error.
func (s *SQLStore) StartTrial(ctx context.Context, id uuid.UUID, startedAt time.Time, length time.Duration) (*domain.Organization, error) {
	const op = "store.start_trial"

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE organizations
		SET trial_started_at = ?, trial_expires_at = ?, updated_at = ?
		WHERE id = ? AND trial_started_at IS NULL`),
		toMillis(startedAt), toMillis(startedAt.Add(length)), toMillis(s.now()), id,
	)
	if err != nil {
		return nil, unavailable(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, unavailable(op, err)
	}

	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.Errorf(domain.ECONFLICT, op, "Trial already started for this workspace")
	}
	return org, nil
}

// LatchTrialExpired records that the trial expiry was observed.
func (s *SQLStore) LatchTrialExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE organizations
		SET trial_expired_latched = ?, updated_at = ?
		WHERE id = ?`),
		true, toMillis(s.now()), id,
	)
	if err != nil {
		return unavailable("store.latch_trial_expired", err)
	}
	return nil
}

// SubscriptionUpdate carries billing state synced from the payment provider.
type SubscriptionUpdate struct {
	Plan                 domain.Plan
	Status               domain.SubscriptionStatus
	Interval             domain.BillingInterval
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
}

// UpdateSubscription replaces the organization's billing state.
func (s *SQLStore) UpdateSubscription(ctx context.Context, id uuid.UUID, u SubscriptionUpdate) error {
	const op = "store.update_subscription"

	interval := u.Interval
	if interval == "" {
		interval = domain.BillingIntervalMonth
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE organizations
		SET plan = ?, subscription_status = ?, billing_interval = ?,
			period_start = ?, period_end = ?,
			stripe_customer_id = COALESCE(?, stripe_customer_id),
			stripe_subscription_id = COALESCE(?, stripe_subscription_id),
			updated_at = ?
		WHERE id = ?`),
		string(u.Plan), string(u.Status), string(interval),
		nullMillis(u.PeriodStart), nullMillis(u.PeriodEnd),
		nullString(u.StripeCustomerID), nullString(u.StripeSubscriptionID),
		toMillis(s.now()), id,
	)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return quota.ErrOrganizationNotFound
	}
	return nil
}

// AddMember grants userID access to the organization. Adding an existing
// member updates the role.
func (s *SQLStore) AddMember(ctx context.Context, orgID uuid.UUID, userID string, role domain.Role) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO memberships (organization_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = excluded.role`),
		orgID, userID, string(role), toMillis(s.now()),
	)
	if err != nil {
		return unavailable("store.add_member", err)
	}
	return nil
}

// IsMember reports whether userID belongs to the organization.
func (s *SQLStore) IsMember(ctx context.Context, orgID uuid.UUID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT 1 FROM memberships WHERE organization_id = ? AND user_id = ?`),
		orgID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("store.is_member", err)
	}
	return true, nil
}

func scanOrganization(row rowScanner) (*domain.Organization, error) {
	var (
		org                            domain.Organization
		plan, status, interval         string
		periodStart, periodEnd         sql.NullInt64
		trialStartedAt, trialExpiresAt sql.NullInt64
		customerID, subscriptionID     sql.NullString
		createdAt, updatedAt           int64
	)
	err := row.Scan(
		&org.ID, &org.Name, &plan, &status, &interval,
		&periodStart, &periodEnd, &trialStartedAt, &trialExpiresAt, &org.TrialExpiredLatched,
		&customerID, &subscriptionID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	org.Plan = domain.Plan(plan)
	org.SubscriptionStatus = domain.SubscriptionStatus(status)
	org.BillingInterval = domain.BillingInterval(interval)
	org.PeriodStart = timePtr(periodStart)
	org.PeriodEnd = timePtr(periodEnd)
	org.TrialStartedAt = timePtr(trialStartedAt)
	org.TrialExpiresAt = timePtr(trialExpiresAt)
	org.StripeCustomerID = customerID.String
	org.StripeSubscriptionID = subscriptionID.String
	org.CreatedAt = fromMillis(createdAt)
	org.UpdatedAt = fromMillis(updatedAt)
	return &org, nil
}
