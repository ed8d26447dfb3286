// Package killswitch stores the global and per-tenant kill switches. The
// durable record is the only authority; there is no cached flag.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// Scope names which switch a record belongs to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
)

// State is one version of a switch.
type State struct {
	Scope    Scope     `json:"scope"`
	TenantID string    `json:"tenant_id,omitempty"`
	Active   bool      `json:"active"`
	Reason   string    `json:"reason,omitempty"`
	SetBy    string    `json:"set_by"`
	SetAt    time.Time `json:"set_at"`
}

// GlobalKey is the durable key of the global switch.
func GlobalKey() string {
	return "system/killswitch/global"
}

// TenantKey is the durable key of a tenant's switch.
func TenantKey(tenantID string) (string, error) {
	return kv.TenantKey(tenantID, "killswitch")
}

// Switches writes switch state.
type Switches struct {
	store kv.Store
	sink  audit.Sink
	clock func() time.Time
}

// New creates a switch writer.
func New(store kv.Store, sink audit.Sink) *Switches {
	return &Switches{store: store, sink: sink, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Switches) WithClock(clock func() time.Time) *Switches {
	s.clock = clock
	return s
}

// SetGlobal engages or releases the global switch.
func (s *Switches) SetGlobal(ctx context.Context, active bool, actor, reason, correlationID string) (*State, error) {
	return s.set(ctx, GlobalKey(), State{Scope: ScopeGlobal, Active: active, Reason: reason, SetBy: actor}, correlationID)
}

// SetTenant engages or releases a tenant's switch.
func (s *Switches) SetTenant(ctx context.Context, tenantID string, active bool, actor, reason, correlationID string) (*State, error) {
	key, err := TenantKey(tenantID)
	if err != nil {
		return nil, fmt.Errorf("kill switch for tenant %q: %w", tenantID, err)
	}
	return s.set(ctx, key, State{Scope: ScopeTenant, TenantID: tenantID, Active: active, Reason: reason, SetBy: actor}, correlationID)
}

func (s *Switches) set(ctx context.Context, key string, st State, correlationID string) (*State, error) {
	if st.SetBy == "" {
		return nil, fmt.Errorf("kill switch: actor is required")
	}
	st.SetAt = s.clock().UTC()
	e, err := kv.PutJSON(ctx, s.store, key, st)
	if err != nil {
		return nil, fmt.Errorf("kill switch %s: %w", key, err)
	}
	if _, err := s.sink.Emit(ctx, events.Params{
		Type:          events.TypeKillSwitchSet,
		EventTime:     st.SetAt,
		Actor:         st.SetBy,
		TenantID:      st.TenantID,
		CorrelationID: correlationID,
		Payload:       map[string]any{"state": st, "ref": kv.Ref{Key: key, Version: e.Version}},
	}); err != nil {
		return nil, err
	}
	return &st, nil
}

// Global reads the global switch. A switch that was never set is inactive.
func Global(ctx context.Context, r kv.Reader) (State, error) {
	return read(ctx, r, GlobalKey(), ScopeGlobal)
}

// Tenant reads a tenant switch. A switch that was never set is inactive.
func Tenant(ctx context.Context, r kv.Reader, tenantID string) (State, error) {
	key, err := TenantKey(tenantID)
	if err != nil {
		return State{}, err
	}
	return read(ctx, r, key, ScopeTenant)
}

func read(ctx context.Context, r kv.Reader, key string, scope Scope) (State, error) {
	var st State
	_, err := kv.GetJSON(ctx, r, key, &st)
	if errors.Is(err, kv.ErrNotFound) {
		return State{Scope: scope}, nil
	}
	if err != nil {
		return State{}, err
	}
	return st, nil
}
