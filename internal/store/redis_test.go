package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	return client
}

func TestRedisCounter_ConcurrentReserves(t *testing.T) {
	const callers, limit = 50, 10

	c := NewRedisCounter(setupTestRedis(t))
	orgID := uuid.New()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Reserve(ctx, quota.ReserveParams{
				OrganizationID: orgID,
				Metric:         domain.MetricImage,
				PeriodKey:      "cycle:2026-10-01",
				Limit:          limit,
			})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, quota.ErrRejected):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
	assert.Equal(t, int64(callers-limit), rejected.Load())

	count, err := c.Snapshot(ctx, orgID, domain.MetricImage, "cycle:2026-10-01")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), count)
}

func TestRedisCounter_ReleaseIsIdempotent(t *testing.T) {
	c := NewRedisCounter(setupTestRedis(t))
	orgID := uuid.New()
	ctx := context.Background()

	params := quota.ReserveParams{
		OrganizationID: orgID,
		Metric:         domain.MetricTemplate,
		PeriodKey:      "month:2026-10",
		Limit:          3,
		Metadata:       []byte(`{"plan":"free"}`),
	}
	_, err := c.Reserve(ctx, params)
	require.NoError(t, err)
	res, err := c.Reserve(ctx, params)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, res.ID))
	require.NoError(t, c.Release(ctx, res.ID))
	require.NoError(t, c.Release(ctx, uuid.New()))

	count, err := c.Snapshot(ctx, orgID, domain.MetricTemplate, "month:2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := c.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusReleased, got.Status)
	assert.Equal(t, orgID, got.OrganizationID)
	assert.JSONEq(t, `{"plan":"free"}`, string(got.Metadata))
}

func TestRedisCounter_CommitAndSweep(t *testing.T) {
	c := NewRedisCounter(setupTestRedis(t))
	orgID := uuid.New()
	ctx := context.Background()

	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	params := quota.ReserveParams{
		OrganizationID: orgID,
		Metric:         domain.MetricTemplate,
		PeriodKey:      "month:2026-10",
		Limit:          5,
	}
	committed, err := c.Reserve(ctx, params)
	require.NoError(t, err)
	stale, err := c.Reserve(ctx, params)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, committed.ID))

	n, err := c.SweepStale(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := c.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusExpired, got.Status)

	count, err := c.Snapshot(ctx, orgID, domain.MetricTemplate, "month:2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisCounter_ZeroLimit(t *testing.T) {
	c := NewRedisCounter(setupTestRedis(t))

	_, err := c.Reserve(context.Background(), quota.ReserveParams{
		OrganizationID: uuid.New(),
		Metric:         domain.MetricTemplate,
		PeriodKey:      "month:2026-10",
		Limit:          0,
	})
	assert.ErrorIs(t, err, quota.ErrRejected)
}

func TestRedisCounter_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	c := NewRedisCounter(client)

	_, err := c.Reserve(context.Background(), quota.ReserveParams{
		OrganizationID: uuid.New(),
		Metric:         domain.MetricTemplate,
		PeriodKey:      "month:2026-10",
		Limit:          3,
	})
	assert.ErrorIs(t, err, quota.ErrUnavailable)
	assert.Error(t, RedisHealthcheck(client)(context.Background()))
}
