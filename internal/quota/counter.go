package quota

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/google/uuid"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrRejected is returned by Reserve when the counter is already at its limit.
	// No state was mutated.
	ErrRejected = errors.New("quota: limit reached")

	// ErrUnavailable wraps storage failures. Callers must fail closed.
	ErrUnavailable = errors.New("quota: usage store unavailable")

	// ErrOrganizationNotFound is returned by OrganizationStore lookups.
	ErrOrganizationNotFound = errors.New("quota: organization not found")

	// ErrReservationNotFound is returned by reservation lookups.
	ErrReservationNotFound = errors.New("quota: reservation not found")
)

// =============================================================================
// Interface Definitions
// =============================================================================

// ReserveParams identifies the counter to increment and its ceiling.
type ReserveParams struct {
	OrganizationID uuid.UUID
	Metric         domain.Metric
	PeriodKey      string
	Limit          int64
	Metadata       json.RawMessage // Optional, stored with the reservation
}

// UsageCounter is the durable, transactionally safe usage counter.
//
// Implementations must make Reserve a single atomic step in the store: a
// concurrent caller must never observe the read of count separately from the
// increment, or two requests could both take the last unit.
type UsageCounter interface {
	// Reserve increments the counter by one if count < limit and returns a
	// reservation tied to that increment. Returns ErrRejected without
	// mutating state when the counter is full or limit <= 0.
	Reserve(ctx context.Context, params ReserveParams) (domain.Reservation, error)

	// Release refunds a reserved unit. Releasing an unknown or already
	// settled reservation is a no-op.
	Release(ctx context.Context, reservationID uuid.UUID) error

	// Commit marks a reservation as consumed. The count is unchanged; this
	// only closes the reservation so it can no longer be released or swept.
	Commit(ctx context.Context, reservationID uuid.UUID) error

	// Snapshot reads the current count. Missing records read as zero. The
	// value may be stale and must only be used for display.
	Snapshot(ctx context.Context, organizationID uuid.UUID, metric domain.Metric, periodKey string) (int64, error)
}

// StaleSweeper settles reservations stranded by crashes between reserve and
// commit/release.
type StaleSweeper interface {
	// SweepStale marks reservations still reserved and created before
	// olderThan as expired. Their units stay consumed.
	SweepStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// OrganizationStore is the read side of the organization records the
// evaluator needs.
type OrganizationStore interface {
	// GetOrganization returns ErrOrganizationNotFound for unknown ids.
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)

	// LatchTrialExpired records that the trial expiry was observed, so the
	// trial never reads as active again.
	LatchTrialExpired(ctx context.Context, id uuid.UUID) error
}
