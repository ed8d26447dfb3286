package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCASScript appends a version atomically.
// KEYS[1] = version list for the key
// KEYS[2] = key index (sorted set)
// ARGV[1] = expected current version (list length)
// ARGV[2] = encoded entry
// ARGV[3] = key name for the index
var redisCASScript = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
if n ~= tonumber(ARGV[1]) then
    return -1
end
local v = redis.call("RPUSH", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], 0, ARGV[3])
return v
`)

const redisIndexKey = "kv:index"

type redisEntry struct {
	Value     []byte `json:"v"`
	UpdatedAt int64  `json:"t"`
}

// RedisStore implements Store with one Redis list per key; list position is the version.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, clock: time.Now}
}

// WithClock overrides the clock used for UpdatedAt.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKey(key string) string { return "kv:" + key }

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	n, err := s.client.LLen(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return s.GetVersion(ctx, key, uint64(n))
}

func (s *RedisStore) GetVersion(ctx context.Context, key string, version uint64) (*Entry, error) {
	if version == 0 {
		return nil, fmt.Errorf("%s@0: %w", key, ErrNotFound)
	}
	raw, err := s.client.LIndex(ctx, redisKey(key), int64(version-1)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s@%d: %w", key, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s@%d: %w", key, version, err)
	}
	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("kv: decode %s@%d: %w", key, version, err)
	}
	return &Entry{Key: key, Value: re.Value, Version: version, UpdatedAt: time.Unix(0, re.UpdatedAt).UTC()}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) (*Entry, error) {
	return putWithCAS(ctx, s, key, value)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (*Entry, error) {
	now := s.clock().UTC().UnixNano()
	encoded, err := json.Marshal(redisEntry{Value: value, UpdatedAt: now})
	if err != nil {
		return nil, err
	}
	res, err := redisCASScript.Run(ctx, s.client, []string{redisKey(key), redisIndexKey}, expected, encoded, key).Int64()
	if err != nil {
		return nil, fmt.Errorf("kv: write %s: %w", key, err)
	}
	if res < 0 {
		return nil, fmt.Errorf("%s: expected version %d: %w", key, expected, ErrConflict)
	}
	return &Entry{Key: key, Value: append([]byte(nil), value...), Version: uint64(res), UpdatedAt: time.Unix(0, now).UTC()}, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.client.ZRangeByLex(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
