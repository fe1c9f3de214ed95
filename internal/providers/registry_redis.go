package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "dispatch:provider:"
)

var reserveSlotScript = redis.NewScript(`
-- KEYS[1] = lease zset for the provider
-- ARGV[1] = lease id
-- ARGV[2] = concurrency limit (int)
-- ARGV[3] = reservation time (unix millis)
--
-- Returns:
--  1 if the lease is held (newly or already)
--  0 if rejected (limit reached)
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// RedisRegistry shares slot leases and health across dispatcher processes.
// The provider catalog itself is static per process.
//
// Layout:
//   <prefix><id>:slots    ZSET lease id -> reservation unix millis
//   <prefix>health        HASH provider id -> health
//   <prefix>updated       HASH provider id -> unix millis
type RedisRegistry struct {
	rdb       redis.UniversalClient
	prefix    string
	providers map[string]Provider
	clock     func() time.Time
}

func NewRedisRegistry(rdb redis.UniversalClient, ps ...Provider) *RedisRegistry {
	r := &RedisRegistry{
		rdb:       rdb,
		prefix:    defaultKeyPrefix,
		providers: map[string]Provider{},
		clock:     time.Now,
	}
	for _, p := range ps {
		r.providers[p.ID] = p
	}
	return r
}

// WithPrefix namespaces all keys, mostly so tests can share a Redis.
func (r *RedisRegistry) WithPrefix(prefix string) *RedisRegistry {
	r.prefix = prefix
	return r
}

func (r *RedisRegistry) leaseKey(id string) string { return r.prefix + id + ":slots" }
func (r *RedisRegistry) healthKey() string        { return r.prefix + "health" }
func (r *RedisRegistry) updatedKey() string       { return r.prefix + "updated" }

func (r *RedisRegistry) sortedProviders() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RedisRegistry) Providers(ctx context.Context) ([]Provider, error) {
	return r.sortedProviders(), nil
}

func (r *RedisRegistry) Get(ctx context.Context, providerID string) (Provider, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	return p, nil
}

func (r *RedisRegistry) Availability(ctx context.Context) ([]Availability, error) {
	ps := r.sortedProviders()
	if len(ps) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cards := make([]*redis.IntCmd, len(ps))
	for i, p := range ps {
		cards[i] = pipe.ZCard(ctx, r.leaseKey(p.ID))
	}
	healthCmd := pipe.HGetAll(ctx, r.healthKey())
	updatedCmd := pipe.HGetAll(ctx, r.updatedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("providers: read availability: %w", err)
	}

	health := healthCmd.Val()
	updated := updatedCmd.Val()
	out := make([]Availability, 0, len(ps))
	for i, p := range ps {
		cur := int(cards[i].Val())
		h := HealthHealthy
		if raw, ok := health[p.ID]; ok {
			if parsed, err := ParseHealth(raw); err == nil {
				h = parsed
			}
		}
		var at time.Time
		if raw, ok := updated[p.ID]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				at = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, Availability{
			ProviderID:     p.ID,
			CurrentCalls:   cur,
			AvailableSlots: freeSlots(p.ConcurrencyLimit, cur),
			Health:         h,
			LastUpdated:    at,
		})
	}
	return out, nil
}

// SelectCandidate reads a snapshot; the subsequent ReserveSlot is what
// enforces the limit, so a stale snapshot only costs a retry.
func (r *RedisRegistry) SelectCandidate(ctx context.Context, req Requirements) (Provider, bool, error) {
	as, err := r.Availability(ctx)
	if err != nil {
		return Provider{}, false, err
	}
	p, ok := pickCandidate(r.sortedProviders(), availabilityIndex(as), req)
	return p, ok, nil
}

func (r *RedisRegistry) ReserveSlot(ctx context.Context, providerID, leaseID string) error {
	p, ok := r.providers[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	if leaseID == "" {
		return fmt.Errorf("providers: lease id is required")
	}
	res, err := reserveSlotScript.Run(ctx, r.rdb, []string{r.leaseKey(providerID)}, leaseID, p.ConcurrencyLimit, r.clock().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("providers: reserve slot: %w", err)
	}
	if res != 1 {
		return ErrSlotUnavailable
	}
	r.touch(ctx, providerID)
	return nil
}

func (r *RedisRegistry) ReleaseSlot(ctx context.Context, providerID, leaseID string) error {
	if _, ok := r.providers[providerID]; !ok {
		return ErrUnknownProvider
	}
	if err := r.rdb.ZRem(ctx, r.leaseKey(providerID), leaseID).Err(); err != nil {
		return fmt.Errorf("providers: release slot: %w", err)
	}
	r.touch(ctx, providerID)
	return nil
}

func (r *RedisRegistry) SetHealth(ctx context.Context, providerID string, h Health) error {
	if _, err := ParseHealth(string(h)); err != nil {
		return err
	}
	if _, ok := r.providers[providerID]; !ok {
		return ErrUnknownProvider
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.healthKey(), providerID, string(h))
		pipe.HSet(ctx, r.updatedKey(), providerID, r.clock().UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("providers: set health: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Leases(ctx context.Context, providerID string) ([]Lease, error) {
	if _, ok := r.providers[providerID]; !ok {
		return nil, ErrUnknownProvider
	}
	zs, err := r.rdb.ZRangeWithScores(ctx, r.leaseKey(providerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("providers: list leases: %w", err)
	}
	out := make([]Lease, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Lease{ID: id, ReservedAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

func (r *RedisRegistry) RestoreSlot(ctx context.Context, providerID, leaseID string) error {
	if _, ok := r.providers[providerID]; !ok {
		return ErrUnknownProvider
	}
	if leaseID == "" {
		return fmt.Errorf("providers: lease id is required")
	}
	z := redis.Z{Score: float64(r.clock().UnixMilli()), Member: leaseID}
	if err := r.rdb.ZAddNX(ctx, r.leaseKey(providerID), z).Err(); err != nil {
		return fmt.Errorf("providers: restore slot: %w", err)
	}
	r.touch(ctx, providerID)
	return nil
}

// touch records the last change time. Failures only affect reporting.
func (r *RedisRegistry) touch(ctx context.Context, providerID string) {
	_ = r.rdb.HSet(ctx, r.updatedKey(), providerID, r.clock().UnixMilli()).Err()
}
