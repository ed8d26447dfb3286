package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// Limit is a token bucket: Rate tokens per second refill up to Burst.
type Limit struct {
	Rate  float64 `json:"rate" yaml:"rate"`
	Burst int     `json:"burst" yaml:"burst"`
}

// Validate checks the bucket shape.
func (l Limit) Validate(field string) error {
	if l.Rate <= 0 || math.IsInf(l.Rate, 0) || math.IsNaN(l.Rate) {
		return &contracts.ConfigurationError{Field: field + ".rate", Err: fmt.Errorf("must be positive and finite")}
	}
	if l.Burst < 1 {
		return &contracts.ConfigurationError{Field: field + ".burst", Err: fmt.Errorf("must be at least 1")}
	}
	return nil
}

// Bucket identifies a token bucket. An empty TenantID is the global bucket.
type Bucket struct {
	TenantID string
}

// GlobalBucket is the system-wide bucket.
var GlobalBucket = Bucket{}

func (b Bucket) String() string {
	if b.TenantID == "" {
		return "global"
	}
	return "tenant/" + b.TenantID
}

// Limiter consumes one token from a bucket if available. It never waits.
type Limiter interface {
	Allow(ctx context.Context, b Bucket, l Limit) (bool, error)
}

// MemoryLimiter keeps buckets in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[Bucket]*rate.Limiter
	clock   func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[Bucket]*rate.Limiter), clock: time.Now}
}

// WithClock overrides the refill clock.
func (m *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	m.clock = clock
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, b Bucket, l Limit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.buckets[b]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.Rate), l.Burst)
		m.buckets[b] = lim
	}
	return lim.AllowN(m.clock(), 1), nil
}

type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// KVLimiter keeps bucket state in the durable store so limits survive
// restart and are shared by every process on the same store.
type KVLimiter struct {
	store kv.Store
	clock func() time.Time
}

// NewKVLimiter creates a limiter over s.
func NewKVLimiter(s kv.Store) *KVLimiter {
	return &KVLimiter{store: s, clock: time.Now}
}

// WithClock overrides the refill clock.
func (k *KVLimiter) WithClock(clock func() time.Time) *KVLimiter {
	k.clock = clock
	return k
}

func bucketKey(b Bucket) (string, error) {
	if b.TenantID == "" {
		return kv.SystemKey("ratelimit", "global")
	}
	return kv.TenantKey(b.TenantID, "ratelimit")
}

const maxBucketRetries = 16

func (k *KVLimiter) Allow(ctx context.Context, b Bucket, l Limit) (bool, error) {
	key, err := bucketKey(b)
	if err != nil {
		return false, err
	}
	for i := 0; i < maxBucketRetries; i++ {
		now := k.clock().UTC()
		st := bucketState{Tokens: float64(l.Burst), LastRefill: now}
		var expected uint64
		e, err := kv.GetJSON(ctx, k.store, key, &st)
		switch {
		case err == nil:
			expected = e.Version
		case errors.Is(err, kv.ErrNotFound):
		default:
			return false, err
		}

		if elapsed := now.Sub(st.LastRefill).Seconds(); elapsed > 0 {
			st.Tokens = math.Min(float64(l.Burst), st.Tokens+elapsed*l.Rate)
			st.LastRefill = now
		}
		allowed := st.Tokens >= 1
		if allowed {
			st.Tokens--
		}

		_, err = kv.CompareAndSwapJSON(ctx, k.store, key, expected, st)
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return allowed, nil
	}
	return false, fmt.Errorf("rate limit %s: %w after %d attempts", b, kv.ErrConflict, maxBucketRetries)
}

// redisTokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = ttl seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisLimiter shares buckets across processes through Redis.
type RedisLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisLimiter connects to addr.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		clock:  time.Now,
	}
}

// WithClock overrides the refill clock.
func (r *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	r.clock = clock
	return r
}

// Ping checks connectivity.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) Allow(ctx context.Context, b Bucket, l Limit) (bool, error) {
	key := "exoarmur:ratelimit:" + b.String()
	now := float64(r.clock().UnixMicro()) / 1e6
	// Keep idle buckets until they would have refilled completely.
	ttl := int(math.Ceil(float64(l.Burst)/l.Rate)) + 1

	res, err := redisTokenBucketScript.Run(ctx, r.client, []string{key}, l.Rate, l.Burst, 1, now, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter %s: %w", b, err)
	}
	return res == 1, nil
}

// Backpressure checks the tenant bucket and then the global bucket.
type Backpressure struct {
	limiter Limiter
	global  Limit
	tenant  Limit
}

// NewBackpressure builds a two-level check.
func NewBackpressure(l Limiter, global, tenant Limit) *Backpressure {
	return &Backpressure{limiter: l, global: global, tenant: tenant}
}

// Admit consumes one token from the tenant's bucket and one from the global
// bucket. A rejection names the bucket and wraps contracts.ErrRateLimited.
// A tenant rejection does not consume a global token.
func (b *Backpressure) Admit(ctx context.Context, tenantID string) (Bucket, error) {
	if tenantID != "" {
		tb := Bucket{TenantID: tenantID}
		ok, err := b.limiter.Allow(ctx, tb, b.tenant)
		if err != nil {
			return tb, err
		}
		if !ok {
			return tb, fmt.Errorf("%s bucket: %w", tb, contracts.ErrRateLimited)
		}
	}
	ok, err := b.limiter.Allow(ctx, GlobalBucket, b.global)
	if err != nil {
		return GlobalBucket, err
	}
	if !ok {
		return GlobalBucket, fmt.Errorf("%s bucket: %w", GlobalBucket, contracts.ErrRateLimited)
	}
	return Bucket{}, nil
}
