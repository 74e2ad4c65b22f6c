package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRedisNotReady     = errors.New("store: redis did not become ready")
	ErrRedisURL          = errors.New("store: failed to parse redis connection string")
	ErrHealthcheckFailed = errors.New("store: healthcheck failed")
)

// settledTTL keeps settled reservation hashes around for inspection.
const settledTTL = 30 * 24 * time.Hour

// Keys:
//
//	quota:usage:{org}:{metric}:{period}  counter (string)
//	quota:res:{id}                       reservation (hash)
//	quota:pending                        reserved ids scored by created_at ms (zset)
//
// Reservation hashes store the counter key so release can refund without the
// caller repeating it. Scripts therefore touch keys not passed in KEYS, which
// requires a single-node deployment.
const pendingKey = "quota:pending"

// reserveScript: KEYS[1]=counter KEYS[2]=reservation KEYS[3]=pending
// ARGV[1]=limit ARGV[2]=created_at ms ARGV[3]=metadata ARGV[4]=reservation id
// ARGV[5]=organization ARGV[6]=metric ARGV[7]=period key
var reserveScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return -1
end
count = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2],
	'counter', KEYS[1], 'status', 'reserved', 'created_at', ARGV[2], 'metadata', ARGV[3],
	'organization_id', ARGV[5], 'metric', ARGV[6], 'period_key', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
return count
`)

// settleScript: KEYS[1]=reservation KEYS[2]=pending
// ARGV[1]=target status ARGV[2]=settled_at ms ARGV[3]=reservation id
// ARGV[4]=ttl seconds ARGV[5]=1 to refund the counter
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'reserved' then
	redis.call('ZREM', KEYS[2], ARGV[3])
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'settled_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[3])
if ARGV[5] == '1' then
	local counter = redis.call('HGET', KEYS[1], 'counter')
	local c = tonumber(redis.call('GET', counter) or '0')
	if c > 0 then
		redis.call('DECR', counter)
	end
end
return 1
`)

// RedisCounter is a UsageCounter backed by Redis Lua scripts. Each script
// runs atomically on the server, which provides the check-and-increment
// exclusion.
type RedisCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

var (
	_ quota.UsageCounter = (*RedisCounter)(nil)
	_ quota.StaleSweeper = (*RedisCounter)(nil)
)

// NewRedisCounter creates a Redis-backed usage counter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{
		client: client,
		now:    time.Now,
	}
}

// ConnectRedis parses url and pings the server, retrying until ctx is done
// or attempts are exhausted.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}

	client := redis.NewClient(opts)
	for i := range max(attempts, 1) {
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	_ = client.Close()
	return nil, errors.Join(ErrRedisNotReady, err)
}

// RedisHealthcheck returns a check that pings the client.
func RedisHealthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

func usageKey(orgID uuid.UUID, metric domain.Metric, periodKey string) string {
	return "quota:usage:" + orgID.String() + ":" + string(metric) + ":" + periodKey
}

func reservationKey(id uuid.UUID) string {
	return "quota:res:" + id.String()
}

// Reserve increments the counter if it is below the limit.
func (c *RedisCounter) Reserve(ctx context.Context, p quota.ReserveParams) (domain.Reservation, error) {
	if p.Limit <= 0 {
		return domain.Reservation{}, quota.ErrRejected
	}

	now := fromMillis(toMillis(c.now()))
	res := domain.Reservation{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		Metric:         p.Metric,
		PeriodKey:      p.PeriodKey,
		Status:         domain.ReservationStatusReserved,
		CreatedAt:      now,
		Metadata:       p.Metadata,
	}

	n, err := reserveScript.Run(ctx, c.client,
		[]string{usageKey(p.OrganizationID, p.Metric, p.PeriodKey), reservationKey(res.ID), pendingKey},
		p.Limit, toMillis(now), string(p.Metadata), res.ID.String(),
		p.OrganizationID.String(), string(p.Metric), p.PeriodKey,
	).Int64()
	if err != nil {
		return domain.Reservation{}, unavailable("redis.reserve", err)
	}
	if n < 0 {
		return domain.Reservation{}, quota.ErrRejected
	}
	return res, nil
}

// Release refunds a reserved unit. Unknown or settled reservations are a no-op.
func (c *RedisCounter) Release(ctx context.Context, id uuid.UUID) error {
	_, err := c.settle(ctx, id, domain.ReservationStatusReleased, true)
	if err != nil {
		return unavailable("redis.release", err)
	}
	return nil
}

// Commit closes a reservation as consumed.
func (c *RedisCounter) Commit(ctx context.Context, id uuid.UUID) error {
	_, err := c.settle(ctx, id, domain.ReservationStatusCommitted, false)
	if err != nil {
		return unavailable("redis.commit", err)
	}
	return nil
}

func (c *RedisCounter) settle(ctx context.Context, id uuid.UUID, status domain.ReservationStatus, refund bool) (bool, error) {
	refundArg := "0"
	if refund {
		refundArg = "1"
	}
	n, err := settleScript.Run(ctx, c.client,
		[]string{reservationKey(id), pendingKey},
		string(status), toMillis(c.now()), id.String(), int64(settledTTL/time.Second), refundArg,
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Snapshot reads the current count. A missing key reads as zero.
func (c *RedisCounter) Snapshot(ctx context.Context, orgID uuid.UUID, metric domain.Metric, periodKey string) (int64, error) {
	n, err := c.client.Get(ctx, usageKey(orgID, metric, periodKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("redis.snapshot", err)
	}
	return n, nil
}

// SweepStale expires reservations created before olderThan without refunding them.
func (c *RedisCounter) SweepStale(ctx context.Context, olderThan time.Time) (int64, error) {
	ids, err := c.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(toMillis(olderThan), 10),
	}).Result()
	if err != nil {
		return 0, unavailable("redis.sweep_stale", err)
	}

	var swept int64
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			// Not ours; drop it so it is not rescanned forever.
			c.client.ZRem(ctx, pendingKey, raw)
			continue
		}
		ok, err := c.settle(ctx, id, domain.ReservationStatusExpired, false)
		if err != nil {
			return swept, unavailable("redis.sweep_stale", err)
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

// GetReservation loads one reservation hash.
func (c *RedisCounter) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	fields, err := c.client.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, unavailable("redis.get_reservation", err)
	}
	if len(fields) == 0 {
		return nil, quota.ErrReservationNotFound
	}

	res := &domain.Reservation{
		ID:        id,
		Metric:    domain.Metric(fields["metric"]),
		PeriodKey: fields["period_key"],
		Status:    domain.ReservationStatus(fields["status"]),
	}
	if orgID, err := uuid.Parse(fields["organization_id"]); err == nil {
		res.OrganizationID = orgID
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		res.CreatedAt = fromMillis(ms)
	}
	if ms, err := strconv.ParseInt(fields["settled_at"], 10, 64); err == nil {
		t := fromMillis(ms)
		res.SettledAt = &t
	}
	if meta := fields["metadata"]; meta != "" && json.Valid([]byte(meta)) {
		res.Metadata = json.RawMessage(meta)
	}
	return res, nil
}
