package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// IdempotencyKey fingerprints an operation's identity. params must be
// canonicalizable; only stable parameters belong in it.
func IdempotencyKey(operation, tenantID, correlationID string, params any) (string, error) {
	h, err := canonicalize.Hash(map[string]any{
		"operation":      operation,
		"tenant_id":      tenantID,
		"correlation_id": correlationID,
		"params":         params,
	})
	if err != nil {
		return "", fmt.Errorf("idempotency key for %s: %w", operation, err)
	}
	return h, nil
}

// IdempotencyStore persists completed results. The first recorded result for
// a key wins.
type IdempotencyStore struct {
	store kv.Store
	clock func() time.Time
}

// NewIdempotencyStore creates a store over s.
func NewIdempotencyStore(s kv.Store) *IdempotencyStore {
	return &IdempotencyStore{store: s, clock: time.Now}
}

// WithClock overrides the clock used for RecordedAt.
func (s *IdempotencyStore) WithClock(clock func() time.Time) *IdempotencyStore {
	s.clock = clock
	return s
}

// idempotencyKVKey places records in the tenant namespace, or in the system
// namespace for calls made outside any tenant.
func idempotencyKVKey(tenantID, key string) (string, error) {
	seg := strings.ReplaceAll(key, ":", "-")
	if tenantID == "" {
		return kv.SystemKey("idempotency", seg)
	}
	return kv.TenantKey(tenantID, "idempotency", seg)
}

// Lookup returns the stored record, or kv.ErrNotFound.
func (s *IdempotencyStore) Lookup(ctx context.Context, tenantID, key string) (*contracts.IdempotencyRecord, error) {
	k, err := idempotencyKVKey(tenantID, key)
	if err != nil {
		return nil, err
	}
	var rec contracts.IdempotencyRecord
	if _, err := kv.GetJSON(ctx, s.store, k, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Record stores result under key unless a result already exists, and returns
// whichever record is durable.
func (s *IdempotencyStore) Record(ctx context.Context, tenantID, key, operation string, result json.RawMessage) (*contracts.IdempotencyRecord, error) {
	k, err := idempotencyKVKey(tenantID, key)
	if err != nil {
		return nil, err
	}
	rec := contracts.IdempotencyRecord{
		IdempotencyKey: key,
		Operation:      operation,
		Result:         result,
		RecordedAt:     s.clock().UTC(),
	}
	b, err := kv.Encode(rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.CompareAndSwap(ctx, k, 0, b); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return s.Lookup(ctx, tenantID, key)
		}
		return nil, fmt.Errorf("record idempotency %s: %w", key, err)
	}
	return &rec, nil
}
