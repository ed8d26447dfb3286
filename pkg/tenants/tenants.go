// Package tenants owns the tenant registry and the structural isolation rules:
// tenant state lives under tenant-prefixed keys, a scoped reader refuses keys
// outside its tenant, and shared resources have exactly one owning tenant.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is a registry entry.
type Tenant struct {
	ID           string    `json:"tenant_id"`
	Name         string    `json:"name,omitempty"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Resource records the owning tenant of a shared resource id.
type Resource struct {
	ResourceID   string    `json:"resource_id"`
	TenantID     string    `json:"tenant_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ProfileKey is where a tenant's registry entry is stored.
func ProfileKey(tenantID string) (string, error) {
	return kv.TenantKey(tenantID, "profile")
}

// ResourceKey is the global ownership index entry for a resource.
func ResourceKey(resourceID string) (string, error) {
	return kv.SystemKey("resource", resourceID)
}

// Registry writes tenant and resource records.
type Registry struct {
	store kv.Store
	sink  audit.Sink
	clock func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(store kv.Store, sink audit.Sink) *Registry {
	return &Registry{store: store, sink: sink, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register creates or replaces a tenant entry.
func (r *Registry) Register(ctx context.Context, t Tenant, correlationID string) (*Tenant, error) {
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Status != StatusActive && t.Status != StatusSuspended {
		return nil, fmt.Errorf("tenant %s: unknown status %q", t.ID, t.Status)
	}
	key, err := ProfileKey(t.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: %w", t.ID, err)
	}
	now := r.clock().UTC()
	t.RegisteredAt = now

	e, err := kv.PutJSON(ctx, r.store, key, t)
	if err != nil {
		return nil, fmt.Errorf("register tenant %s: %w", t.ID, err)
	}
	if _, err := r.sink.Emit(ctx, events.Params{
		Type:          events.TypeTenantRegistered,
		EventTime:     now,
		TenantID:      t.ID,
		CorrelationID: correlationID,
		Payload:       map[string]any{"tenant": t, "ref": kv.Ref{Key: key, Version: e.Version}},
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

// RegisterResource assigns resourceID to tenantID. The first owner wins;
// registering a resource already owned by another tenant fails.
func (r *Registry) RegisterResource(ctx context.Context, tenantID, resourceID, correlationID string) (*Resource, error) {
	key, err := ResourceKey(resourceID)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", resourceID, err)
	}
	if _, err := kv.TenantKey(tenantID); err != nil {
		return nil, fmt.Errorf("resource %s: tenant %q: %w", resourceID, tenantID, err)
	}

	var existing Resource
	if _, err := kv.GetJSON(ctx, r.store, key, &existing); err == nil {
		if existing.TenantID != tenantID {
			return nil, fmt.Errorf("resource %s owned by another tenant: %w", resourceID, contracts.ErrCrossTenant)
		}
		return &existing, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	now := r.clock().UTC()
	res := Resource{ResourceID: resourceID, TenantID: tenantID, RegisteredAt: now}
	e, err := kv.CompareAndSwapJSON(ctx, r.store, key, 0, res)
	if err != nil {
		return nil, fmt.Errorf("register resource %s: %w", resourceID, err)
	}
	if _, err := r.sink.Emit(ctx, events.Params{
		Type:          events.TypeResourceRegistered,
		EventTime:     now,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Payload:       map[string]any{"resource": res, "ref": kv.Ref{Key: key, Version: e.Version}},
	}); err != nil {
		return nil, err
	}
	return &res, nil
}

// Lookup reads a tenant entry.
func Lookup(ctx context.Context, r kv.Reader, tenantID string) (*Tenant, error) {
	key, err := ProfileKey(tenantID)
	if err != nil {
		return nil, err
	}
	var t Tenant
	if _, err := kv.GetJSON(ctx, r, key, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Check evaluates tenant presence, status and resource ownership for an
// execution context. A non-nil error means an input could not be read.
func Check(ctx context.Context, r kv.Reader, ec contracts.ExecutionContext) (contracts.ReasonCode, error) {
	if ec.TenantID == "" {
		return contracts.ReasonTenantContextMissing, nil
	}
	t, err := Lookup(ctx, r, ec.TenantID)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return contracts.ReasonTenantUnknown, nil
	case errors.Is(err, kv.ErrInvalidKey):
		return contracts.ReasonTenantUnknown, nil
	case err != nil:
		return contracts.ReasonInputUnavailable, err
	}
	if t.Status != StatusActive {
		return contracts.ReasonTenantSuspended, nil
	}

	for _, rid := range ec.ResourceIDs {
		key, err := ResourceKey(rid)
		if err != nil {
			return contracts.ReasonResourceUnknown, nil
		}
		var res Resource
		if _, err := kv.GetJSON(ctx, r, key, &res); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return contracts.ReasonResourceUnknown, nil
			}
			return contracts.ReasonInputUnavailable, err
		}
		if res.TenantID != ec.TenantID {
			return contracts.ReasonCrossTenantAccess, nil
		}
	}
	return contracts.ReasonOK, nil
}

// Scoped is a Reader confined to one tenant's namespace.
type Scoped struct {
	reader   kv.Reader
	tenantID string
	prefix   string
}

// Scope confines r to tenantID.
func Scope(r kv.Reader, tenantID string) *Scoped {
	return &Scoped{reader: r, tenantID: tenantID, prefix: kv.TenantPrefix(tenantID)}
}

func (s *Scoped) Get(ctx context.Context, key string) (*kv.Entry, error) {
	if s.tenantID == "" || !strings.HasPrefix(key, s.prefix) {
		return nil, fmt.Errorf("key %s outside tenant %q: %w", key, s.tenantID, contracts.ErrCrossTenant)
	}
	return s.reader.Get(ctx, key)
}
