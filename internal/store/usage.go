package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Reserve increments the counter if it is below the limit and records a
// reservation, in one transaction.
//
// The conditional UPDATE is the exclusion point. PostgreSQL re-evaluates
// count < limit after acquiring the row lock, and SQLite serializes writers,
// so two reservers can never both take the last unit.
func (s *SQLStore) Reserve(ctx context.Context, p quota.ReserveParams) (domain.Reservation, error) {
	const op = "store.reserve"

	if p.Limit <= 0 {
		return domain.Reservation{}, quota.ErrRejected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO usage_records (organization_id, metric, period_key, count, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (organization_id, metric, period_key) DO NOTHING`),
		p.OrganizationID, string(p.Metric), p.PeriodKey, toMillis(now),
	)
	if err != nil {
		return domain.Reservation{}, unavailable(op, err)
	}

	var count int64
	err = tx.QueryRowContext(ctx, s.q(`
		UPDATE usage_records
		SET count = count + 1, updated_at = ?
		WHERE organization_id = ? AND metric = ? AND period_key = ? AND count < ?
		RETURNING count`),
		toMillis(now), p.OrganizationID, string(p.Metric), p.PeriodKey, p.Limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, quota.ErrRejected
	}
	if err != nil {
		return domain.Reservation{}, unavailable(op, err)
	}

	res := domain.Reservation{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		Metric:         p.Metric,
		PeriodKey:      p.PeriodKey,
		Status:         domain.ReservationStatusReserved,
		CreatedAt:      fromMillis(toMillis(now)),
		Metadata:       p.Metadata,
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO reservations (id, organization_id, metric, period_key, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		res.ID, res.OrganizationID, string(res.Metric), res.PeriodKey, string(res.Status),
		pqtype.NullRawMessage{RawMessage: p.Metadata, Valid: len(p.Metadata) > 0},
		toMillis(now),
	)
	if err != nil {
		return domain.Reservation{}, unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, unavailable(op, err)
	}
	return res, nil
}

// Release refunds a reserved unit. The status guard makes a second release,
// or a release after commit, a no-op.
func (s *SQLStore) Release(ctx context.Context, reservationID uuid.UUID) error {
	const op = "store.release"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())

	var (
		orgID     uuid.UUID
		metric    string
		periodKey string
	)
	err = tx.QueryRowContext(ctx, s.q(`
		UPDATE reservations
		SET status = ?, settled_at = ?
		WHERE id = ? AND status = ?
		RETURNING organization_id, metric, period_key`),
		string(domain.ReservationStatusReleased), now, reservationID, string(domain.ReservationStatusReserved),
	).Scan(&orgID, &metric, &periodKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable(op, err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE usage_records
		SET count = count - 1, updated_at = ?
		WHERE organization_id = ? AND metric = ? AND period_key = ? AND count > 0`),
		now, orgID, metric, periodKey,
	)
	if err != nil {
		return unavailable(op, err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Commit closes a reservation as consumed. Committing a settled reservation is a no-op.
func (s *SQLStore) Commit(ctx context.Context, reservationID uuid.UUID) error {
	return s.settle(ctx, "store.commit", reservationID, domain.ReservationStatusCommitted)
}

func (s *SQLStore) settle(ctx context.Context, op string, id uuid.UUID, status domain.ReservationStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reservations
		SET status = ?, settled_at = ?
		WHERE id = ? AND status = ?`),
		string(status), toMillis(s.now()), id, string(domain.ReservationStatusReserved),
	)
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

// Snapshot reads the current count. A missing record reads as zero.
func (s *SQLStore) Snapshot(ctx context.Context, orgID uuid.UUID, metric domain.Metric, periodKey string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT count FROM usage_records
		WHERE organization_id = ? AND metric = ? AND period_key = ?`),
		orgID, string(metric), periodKey,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("store.snapshot", err)
	}
	return count, nil
}

// SweepStale expires reservations left reserved since before olderThan.
// Their units stay consumed: the operation may have succeeded before the
// process died.
func (s *SQLStore) SweepStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE reservations
		SET status = ?, settled_at = ?
		WHERE status = ? AND created_at < ?`),
		string(domain.ReservationStatusExpired), toMillis(s.now()),
		string(domain.ReservationStatusReserved), toMillis(olderThan),
	)
	if err != nil {
		return 0, unavailable("store.sweep_stale", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("store.sweep_stale", err)
	}
	return n, nil
}

const reservationColumns = `id, organization_id, metric, period_key, status, metadata, created_at, settled_at`

// GetReservation loads one reservation.
func (s *SQLStore) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+reservationColumns+` FROM reservations WHERE id = ?`), id)

	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quota.ErrReservationNotFound
	}
	if err != nil {
		return nil, unavailable("store.get_reservation", err)
	}
	return res, nil
}

// ListPendingReservations returns reservations still reserved, oldest first.
func (s *SQLStore) ListPendingReservations(ctx context.Context, limit int) ([]domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = ?
		ORDER BY created_at
		LIMIT ?`),
		string(domain.ReservationStatusReserved), limit,
	)
	if err != nil {
		return nil, unavailable("store.list_pending", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, unavailable("store.list_pending", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("store.list_pending", err)
	}
	return out, nil
}

// ListUsage returns every usage record of an organization, newest period first.
func (s *SQLStore) ListUsage(ctx context.Context, orgID uuid.UUID) ([]domain.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT organization_id, metric, period_key, count, updated_at
		FROM usage_records
		WHERE organization_id = ?
		ORDER BY period_key DESC, metric`), orgID)
	if err != nil {
		return nil, unavailable("store.list_usage", err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var (
			rec       domain.UsageRecord
			metric    string
			updatedAt int64
		)
		if err := rows.Scan(&rec.OrganizationID, &metric, &rec.PeriodKey, &rec.Count, &updatedAt); err != nil {
			return nil, unavailable("store.list_usage", err)
		}
		rec.Metric = domain.Metric(metric)
		rec.UpdatedAt = fromMillis(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("store.list_usage", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		res       domain.Reservation
		metric    string
		status    string
		metadata  []byte
		createdAt int64
		settledAt sql.NullInt64
	)
	if err := row.Scan(&res.ID, &res.OrganizationID, &metric, &res.PeriodKey, &status, &metadata, &createdAt, &settledAt); err != nil {
		return nil, err
	}
	res.Metric = domain.Metric(metric)
	res.Status = domain.ReservationStatus(status)
	res.CreatedAt = fromMillis(createdAt)
	res.SettledAt = timePtr(settledAt)
	if len(metadata) > 0 {
		res.Metadata = metadata
	}
	return &res, nil
}

