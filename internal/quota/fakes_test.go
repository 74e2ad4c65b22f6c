package quota

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memCounter is a mutex-guarded UsageCounter for exercising the gate.
type memCounter struct {
	mu           sync.Mutex
	counts       map[string]int64
	reservations map[uuid.UUID]*domain.Reservation

	reserveErr  error
	snapshotErr error
	releaseErr  error

	reserveCalls int
	releaseCalls int
	commitCalls  int
}

func newMemCounter() *memCounter {
	return &memCounter{
		counts:       make(map[string]int64),
		reservations: make(map[uuid.UUID]*domain.Reservation),
	}
}

func counterKey(orgID uuid.UUID, metric domain.Metric, periodKey string) string {
	return orgID.String() + "/" + string(metric) + "/" + periodKey
}

func (c *memCounter) set(orgID uuid.UUID, metric domain.Metric, periodKey string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[counterKey(orgID, metric, periodKey)] = n
}

func (c *memCounter) get(orgID uuid.UUID, metric domain.Metric, periodKey string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[counterKey(orgID, metric, periodKey)]
}

func (c *memCounter) status(id uuid.UUID) domain.ReservationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.reservations[id]; ok {
		return r.Status
	}
	return ""
}

func (c *memCounter) only() *domain.Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.reservations {
		return r
	}
	return nil
}

func (c *memCounter) Reserve(ctx context.Context, p ReserveParams) (domain.Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveCalls++
	if c.reserveErr != nil {
		return domain.Reservation{}, c.reserveErr
	}
	k := counterKey(p.OrganizationID, p.Metric, p.PeriodKey)
	if p.Limit <= 0 || c.counts[k] >= p.Limit {
		return domain.Reservation{}, ErrRejected
	}
	c.counts[k]++
	r := &domain.Reservation{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		Metric:         p.Metric,
		PeriodKey:      p.PeriodKey,
		Status:         domain.ReservationStatusReserved,
		CreatedAt:      time.Now(),
		Metadata:       p.Metadata,
	}
	c.reservations[r.ID] = r
	return *r, nil
}

func (c *memCounter) Release(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseCalls++
	if c.releaseErr != nil {
		return c.releaseErr
	}
	r, ok := c.reservations[id]
	if !ok || r.TransitionTo(domain.ReservationStatusReleased, time.Now()) != nil {
		return nil
	}
	k := counterKey(r.OrganizationID, r.Metric, r.PeriodKey)
	if c.counts[k] > 0 {
		c.counts[k]--
	}
	return nil
}

func (c *memCounter) Commit(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitCalls++
	if r, ok := c.reservations[id]; ok {
		_ = r.TransitionTo(domain.ReservationStatusCommitted, time.Now())
	}
	return nil
}

func (c *memCounter) Snapshot(ctx context.Context, orgID uuid.UUID, metric domain.Metric, periodKey string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotErr != nil {
		return 0, c.snapshotErr
	}
	return c.counts[counterKey(orgID, metric, periodKey)], nil
}

// memOrgs is an in-memory OrganizationStore.
type memOrgs struct {
	mu      sync.Mutex
	orgs    map[uuid.UUID]domain.Organization
	err     error
	latched []uuid.UUID
}

func newMemOrgs(orgs ...*domain.Organization) *memOrgs {
	s := &memOrgs{orgs: make(map[uuid.UUID]domain.Organization)}
	for _, o := range orgs {
		s.orgs[o.ID] = *o
	}
	return s
}

func (s *memOrgs) GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return &o, nil
}

func (s *memOrgs) LatchTrialExpired(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return ErrOrganizationNotFound
	}
	o.TrialExpiredLatched = true
	s.orgs[id] = o
	s.latched = append(s.latched, id)
	return nil
}

func freeOrg() *domain.Organization {
	return &domain.Organization{
		ID:                 uuid.New(),
		Name:               "Acme",
		Plan:               domain.PlanFree,
		SubscriptionStatus: domain.SubscriptionStatusInactive,
		BillingInterval:    domain.BillingIntervalMonth,
	}
}

func trialOrg(now time.Time, expiresIn time.Duration) *domain.Organization {
	o := freeOrg()
	started := now.Add(expiresIn - DefaultTrialLength)
	expires := now.Add(expiresIn)
	o.TrialStartedAt = &started
	o.TrialExpiresAt = &expires
	return o
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
