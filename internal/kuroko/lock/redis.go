package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript stores the lease unless an unexpired one is present.
// Deadlines are compared on the controller's clock, carried in ARGV, so
// that expiry means the same thing for every backend.
// KEYS[1] = lock key
// ARGV[1] = lease json
// ARGV[2] = now (unix ms)
// ARGV[3] = ttl (ms)
// Returns {acquired, previous-lease-json-or-false}.
var acquireScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
if prev then
    local lease = cjson.decode(prev)
    if tonumber(lease["deadline_ms"]) > tonumber(ARGV[2]) then
        return {0, prev}
    end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
if prev then
    return {1, prev}
end
return {1, false}
`)

// releaseScript deletes the key only when it still holds the caller's lease.
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local lease = cjson.decode(cur)
if lease["holder"] == ARGV[1] and tonumber(lease["deadline_ms"]) == tonumber(ARGV[2]) then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript rewrites the lease with a new deadline when the key still
// holds the caller's lease.
// ARGV[1] = holder, ARGV[2] = current deadline (unix ms),
// ARGV[3] = new lease json, ARGV[4] = ttl (ms)
var extendScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local lease = cjson.decode(cur)
if lease["holder"] == ARGV[1] and tonumber(lease["deadline_ms"]) == tonumber(ARGV[2]) then
    redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[4])
    return 1
end
return 0
`)

// RedisBackend stores one key per resource.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

type redisLease struct {
	Resource   string `json:"resource"`
	Holder     string `json:"holder"`
	AcquiredMS int64  `json:"acquired_ms"`
	DeadlineMS int64  `json:"deadline_ms"`
}

func (r redisLease) lease() Lease {
	return Lease{
		Resource:   r.Resource,
		Holder:     r.Holder,
		AcquiredAt: time.UnixMilli(r.AcquiredMS),
		Deadline:   time.UnixMilli(r.DeadlineMS),
	}
}

// NewRedisBackend connects to addr.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBackendWithClient(rdb, "kuroko:lock:")
}

// NewRedisBackendWithClient uses an existing client. Keys are prefix+resource.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) TryAcquire(ctx context.Context, resource, holder string, now, deadline time.Time) (Lease, error) {
	// Millisecond resolution is what the key stores; truncate up front so
	// the returned lease matches what Release compares against.
	now = time.UnixMilli(now.UnixMilli())
	deadline = time.UnixMilli(deadline.UnixMilli())

	rl := redisLease{Resource: resource, Holder: holder, AcquiredMS: now.UnixMilli(), DeadlineMS: deadline.UnixMilli()}
	payload, err := json.Marshal(rl)
	if err != nil {
		return Lease{}, err
	}
	ttl := deadline.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	res, err := acquireScript.Run(ctx, b.client, []string{b.prefix + resource}, string(payload), now.UnixMilli(), ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis lock %s: %w", resource, err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Lease{}, fmt.Errorf("redis lock %s: invalid response from lua script", resource)
	}
	acquired, _ := results[0].(int64)

	var prev *Lease
	if s, ok := results[1].(string); ok {
		var p redisLease
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return Lease{}, fmt.Errorf("redis lock %s: corrupt lease: %w", resource, err)
		}
		l := p.lease()
		prev = &l
	}

	if acquired != 1 {
		cur := Lease{Resource: resource}
		if prev != nil {
			cur = *prev
		}
		return Lease{}, &ConflictError{Current: cur}
	}
	lease := rl.lease()
	lease.Reclaimed = prev
	return lease, nil
}

func (b *RedisBackend) Extend(ctx context.Context, lease Lease, now, deadline time.Time) (Lease, error) {
	deadline = time.UnixMilli(deadline.UnixMilli())
	rl := redisLease{
		Resource:   lease.Resource,
		Holder:     lease.Holder,
		AcquiredMS: lease.AcquiredAt.UnixMilli(),
		DeadlineMS: deadline.UnixMilli(),
	}
	payload, err := json.Marshal(rl)
	if err != nil {
		return Lease{}, err
	}
	ttl := deadline.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	n, err := extendScript.Run(ctx, b.client, []string{b.prefix + lease.Resource},
		lease.Holder, lease.Deadline.UnixMilli(), string(payload), ttl).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("redis extend %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return Lease{}, ErrNotHeld
	}
	return rl.lease(), nil
}

func (b *RedisBackend) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, b.client, []string{b.prefix + lease.Resource},
		lease.Holder, lease.Deadline.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (b *RedisBackend) Inspect(ctx context.Context, resource string) (Lease, bool, error) {
	s, err := b.client.Get(ctx, b.prefix+resource).Result()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("redis inspect %s: %w", resource, err)
	}
	var rl redisLease
	if err := json.Unmarshal([]byte(s), &rl); err != nil {
		return Lease{}, false, fmt.Errorf("redis inspect %s: corrupt lease: %w", resource, err)
	}
	return rl.lease(), true, nil
}
