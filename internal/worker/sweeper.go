package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/mailsmith/internal/metrics"
	"github.com/DukeRupert/mailsmith/internal/quota"
)

// SweepJobType identifies the stale reservation sweeper.
const SweepJobType = "sweep_reservations"

// Sweeper marks reservations older than StaleAfter as expired. The units
// stay consumed: a reservation is only stranded when the process died
// between reserve and settle, and the operation may have completed.
type Sweeper struct {
	store      quota.StaleSweeper
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewSweeper creates a sweeper job over either usage counter.
func NewSweeper(store quota.StaleSweeper, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *Sweeper) Type() string { return SweepJobType }

// Handle runs one sweep.
func (s *Sweeper) Handle(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep settles stale reservations and returns how many it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.staleAfter <= 0 {
		return 0, NewPermanentError(fmt.Errorf("stale threshold must be positive, got %v", s.staleAfter))
	}

	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.store.SweepStale(ctx, cutoff)
	if n > 0 {
		metrics.ReservationsSwept(n)
		s.logger.Warn("Expired stranded reservations",
			"count", n,
			"older_than", cutoff,
		)
	}
	if err != nil {
		return n, fmt.Errorf("sweep stale reservations: %w", err)
	}
	return n, nil
}
