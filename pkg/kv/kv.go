// Package kv is the versioned durable key-value store behind kill switches,
// the tenant registry, approvals, idempotency records and breaker/limiter state.
//
// Every write creates a new immutable version of a key; older versions stay
// readable so replay can see a record exactly as a past evaluation saw it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

var (
	// ErrNotFound is returned when a key (or key version) does not exist.
	ErrNotFound = errors.New("kv: not found")
	// ErrConflict is returned by CompareAndSwap when the expected version is stale.
	ErrConflict = errors.New("kv: version conflict")
	// ErrInvalidKey is returned for malformed key segments.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Entry is one version of a key.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reader reads the latest version of a key.
type Reader interface {
	Get(ctx context.Context, key string) (*Entry, error)
}

// VersionReader reads a specific historical version of a key.
type VersionReader interface {
	GetVersion(ctx context.Context, key string, version uint64) (*Entry, error)
}

// Store is the full durable contract.
type Store interface {
	Reader
	VersionReader

	// Put writes value as the next version of key.
	Put(ctx context.Context, key string, value []byte) (*Entry, error)

	// CompareAndSwap writes value as version expected+1 only if the latest
	// version is expected. expected == 0 means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (*Entry, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

const maxPutRetries = 16

// putWithCAS implements Put on top of Get + CompareAndSwap.
func putWithCAS(ctx context.Context, s Store, key string, value []byte) (*Entry, error) {
	for i := 0; i < maxPutRetries; i++ {
		var expected uint64
		cur, err := s.Get(ctx, key)
		switch {
		case err == nil:
			expected = cur.Version
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
		e, err := s.CompareAndSwap(ctx, key, expected, value)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return e, err
	}
	return nil, fmt.Errorf("kv: put %s: %w after %d attempts", key, ErrConflict, maxPutRetries)
}

// Join builds a key from path segments. Segments must be non-empty and may not contain "/".
func Join(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, p := range parts {
		if p == "" || strings.Contains(p, "/") {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidKey, p)
		}
	}
	return strings.Join(parts, "/"), nil
}

// SystemKey builds a key in the global namespace.
func SystemKey(parts ...string) (string, error) {
	return Join(append([]string{"system"}, parts...)...)
}

// TenantKey builds a key in a tenant's namespace.
func TenantKey(tenantID string, parts ...string) (string, error) {
	return Join(append([]string{"tenant", tenantID}, parts...)...)
}

// TenantPrefix is the namespace prefix for tenantID, including the trailing slash.
func TenantPrefix(tenantID string) string {
	return "tenant/" + tenantID + "/"
}

// Encode returns the canonical JSON encoding stored for v.
func Encode(v any) ([]byte, error) {
	return canonicalize.JCS(v)
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, r Reader, key string, v any) (*Entry, error) {
	e, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return nil, fmt.Errorf("kv: decode %s@%d: %w", key, e.Version, err)
	}
	return e, nil
}

// PutJSON stores the canonical encoding of v as the next version of key.
func PutJSON(ctx context.Context, s Store, key string, v any) (*Entry, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return s.Put(ctx, key, b)
}

// CompareAndSwapJSON is CompareAndSwap with canonical JSON encoding.
func CompareAndSwapJSON(ctx context.Context, s Store, key string, expected uint64, v any) (*Entry, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return s.CompareAndSwap(ctx, key, expected, b)
}
