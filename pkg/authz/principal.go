// Package authz is the credential store and authorization policy consulted by
// the last gate. Principals live in their tenant's namespace; the allow
// decision is a CEL expression over the principal and the execution context.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/tenants"
)

// Principal is an identity allowed to request actions within one tenant.
type Principal struct {
	ID             string                 `json:"principal_id"`
	TenantID       string                 `json:"tenant_id"`
	Roles          []string               `json:"roles,omitempty"`
	AllowedActions []contracts.ActionType `json:"allowed_actions,omitempty"`
	Disabled       bool                   `json:"disabled,omitempty"`
	RegisteredAt   time.Time              `json:"registered_at"`
}

// PrincipalKey is the durable key of a principal.
func PrincipalKey(tenantID, principalID string) (string, error) {
	return kv.TenantKey(tenantID, "principal", principalID)
}

// Directory writes principal records.
type Directory struct {
	store kv.Store
	sink  audit.Sink
	clock func() time.Time
}

// NewDirectory creates a principal directory.
func NewDirectory(store kv.Store, sink audit.Sink) *Directory {
	return &Directory{store: store, sink: sink, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (d *Directory) WithClock(clock func() time.Time) *Directory {
	d.clock = clock
	return d
}

// Register creates or replaces a principal.
func (d *Directory) Register(ctx context.Context, p Principal, correlationID string) (*Principal, error) {
	key, err := PrincipalKey(p.TenantID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("principal %q: %w", p.ID, err)
	}
	for _, a := range p.AllowedActions {
		if !a.Known() {
			return nil, fmt.Errorf("principal %s: unknown action type %q", p.ID, a)
		}
	}
	p.RegisteredAt = d.clock().UTC()

	e, err := kv.PutJSON(ctx, d.store, key, p)
	if err != nil {
		return nil, fmt.Errorf("register principal %s: %w", p.ID, err)
	}
	if _, err := d.sink.Emit(ctx, events.Params{
		Type:          events.TypePrincipalRegistered,
		EventTime:     p.RegisteredAt,
		TenantID:      p.TenantID,
		CorrelationID: correlationID,
		Payload:       map[string]any{"principal": p, "ref": kv.Ref{Key: key, Version: e.Version}},
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

// Lookup reads a principal through a reader scoped to tenantID.
func Lookup(ctx context.Context, r kv.Reader, tenantID, principalID string) (*Principal, error) {
	key, err := PrincipalKey(tenantID, principalID)
	if err != nil {
		return nil, err
	}
	var p Principal
	if _, err := kv.GetJSON(ctx, tenants.Scope(r, tenantID), key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Check runs the authentication and authorization gate.
func Check(ctx context.Context, r kv.Reader, ev *Evaluator, ec contracts.ExecutionContext) (contracts.ReasonCode, error) {
	if ec.PrincipalID == "" {
		return contracts.ReasonPrincipalMissing, nil
	}
	p, err := Lookup(ctx, r, ec.TenantID, ec.PrincipalID)
	switch {
	case errors.Is(err, kv.ErrNotFound), errors.Is(err, kv.ErrInvalidKey):
		return contracts.ReasonPrincipalUnknown, nil
	case err != nil:
		return contracts.ReasonInputUnavailable, err
	}
	if p.Disabled {
		return contracts.ReasonPrincipalDisabled, nil
	}
	if ev == nil {
		return contracts.ReasonInternalError, fmt.Errorf("authz: no evaluator configured")
	}
	ok, err := ev.Authorize(p, ec)
	if err != nil {
		return contracts.ReasonInternalError, err
	}
	if !ok {
		return contracts.ReasonAuthzDenied, nil
	}
	return contracts.ReasonOK, nil
}
