package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// BreakerConfig sets when a breaker opens and how long it stays open.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Validate checks the breaker bounds.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return &contracts.ConfigurationError{Field: "circuit_breaker.failure_threshold", Err: fmt.Errorf("must be at least 1")}
	}
	if c.Cooldown <= 0 {
		return &contracts.ConfigurationError{Field: "circuit_breaker.cooldown", Err: fmt.Errorf("must be positive")}
	}
	return nil
}

// Permit is returned by Breaker.Allow and must be settled with exactly one
// of Success, Failure or Release.
type Permit struct {
	Probe bool
}

// Transition is the CIRCUIT_TRANSITION payload.
type Transition struct {
	Breaker      string                 `json:"breaker"`
	From         contracts.CircuitState `json:"from"`
	To           contracts.CircuitState `json:"to"`
	FailureCount int                    `json:"failure_count"`
	Ref          kv.Ref                 `json:"ref"`
}

// Breaker guards one external dependency. State lives in the durable store
// under system/breaker/<name> and is only changed through transitions.
type Breaker struct {
	mu     sync.Mutex
	name   string
	key    string
	cfg    BreakerConfig
	store  kv.Store
	sink   audit.Sink
	clock  func() time.Time
	logger *slog.Logger
}

// NewBreaker creates a breaker for dependency name.
func NewBreaker(name string, cfg BreakerConfig, store kv.Store, sink audit.Sink) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := kv.SystemKey("breaker", name)
	if err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}
	return &Breaker{
		name:   name,
		key:    key,
		cfg:    cfg,
		store:  store,
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default().With("component", "breaker", "breaker", name),
	}, nil
}

// WithClock overrides the clock used for cool-down.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// WithLogger overrides the logger.
func (b *Breaker) WithLogger(logger *slog.Logger) *Breaker {
	b.logger = logger.With("component", "breaker", "breaker", b.name)
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the persisted state. A breaker never written is CLOSED.
func (b *Breaker) State(ctx context.Context) (contracts.CircuitBreakerState, error) {
	st, _, err := b.load(ctx)
	return st, err
}

func (b *Breaker) load(ctx context.Context) (contracts.CircuitBreakerState, uint64, error) {
	st := contracts.CircuitBreakerState{Name: b.name, State: contracts.CircuitClosed}
	e, err := kv.GetJSON(ctx, b.store, b.key, &st)
	if errors.Is(err, kv.ErrNotFound) {
		return st, 0, nil
	}
	if err != nil {
		return st, 0, err
	}
	return st, e.Version, nil
}

// mutate applies fn to the current state and persists the result. fn
// returns false to leave the state untouched.
func (b *Breaker) mutate(ctx context.Context, correlationID string, fn func(st *contracts.CircuitBreakerState, now time.Time) (bool, error)) (contracts.CircuitBreakerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < maxBucketRetries; i++ {
		st, version, err := b.load(ctx)
		if err != nil {
			return st, err
		}
		from := st.State
		now := b.clock().UTC()
		changed, ferr := fn(&st, now)
		if !changed {
			return st, ferr
		}
		e, err := kv.CompareAndSwapJSON(ctx, b.store, b.key, version, st)
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		if err != nil {
			return st, fmt.Errorf("breaker %s: persist: %w", b.name, err)
		}
		if from != st.State {
			b.transition(ctx, correlationID, now, from, st, e)
		}
		return st, ferr
	}
	return contracts.CircuitBreakerState{}, fmt.Errorf("breaker %s: %w after %d attempts", b.name, kv.ErrConflict, maxBucketRetries)
}

func (b *Breaker) transition(ctx context.Context, correlationID string, at time.Time, from contracts.CircuitState, st contracts.CircuitBreakerState, e *kv.Entry) {
	b.logger.WarnContext(ctx, "circuit transition", "from", from, "to", st.State, "failures", st.FailureCount)
	if correlationID == "" {
		correlationID = "breaker:" + b.name
	}
	if _, err := b.sink.Emit(context.WithoutCancel(ctx), events.Params{
		Type:          events.TypeCircuitTransition,
		EventTime:     at,
		CorrelationID: correlationID,
		Payload: Transition{
			Breaker:      b.name,
			From:         from,
			To:           st.State,
			FailureCount: st.FailureCount,
			Ref:          kv.Ref{Key: e.Key, Version: e.Version},
		},
	}); err != nil {
		b.logger.ErrorContext(ctx, "circuit transition not audited", "error", err)
	}
}

// Allow admits a call or fails fast with contracts.ErrCircuitOpen. After the
// cool-down exactly one caller is admitted as the half-open probe.
func (b *Breaker) Allow(ctx context.Context, correlationID string) (Permit, error) {
	var permit Permit
	_, err := b.mutate(ctx, correlationID, func(st *contracts.CircuitBreakerState, now time.Time) (bool, error) {
		switch st.State {
		case contracts.CircuitClosed:
			return false, nil
		case contracts.CircuitOpen:
			if now.Sub(st.OpenedAt) < b.cfg.Cooldown {
				return false, fmt.Errorf("breaker %s: %w", b.name, contracts.ErrCircuitOpen)
			}
			st.State = contracts.CircuitHalfOpen
		case contracts.CircuitHalfOpen:
			// A probe that never settled, e.g. across a crash, is reclaimed
			// after another cool-down.
			if st.ProbeInFlight && now.Sub(st.LastProbeAt) < b.cfg.Cooldown {
				return false, fmt.Errorf("breaker %s: %w", b.name, contracts.ErrCircuitOpen)
			}
		default:
			return false, fmt.Errorf("breaker %s: unknown state %q", b.name, st.State)
		}
		st.ProbeInFlight = true
		st.LastProbeAt = now
		permit.Probe = true
		return true, nil
	})
	if err != nil {
		return Permit{}, err
	}
	return permit, nil
}

// Success settles a permit after the dependency answered.
func (b *Breaker) Success(ctx context.Context, correlationID string, p Permit) error {
	_, err := b.mutate(ctx, correlationID, func(st *contracts.CircuitBreakerState, _ time.Time) (bool, error) {
		if p.Probe && st.State == contracts.CircuitHalfOpen {
			st.State = contracts.CircuitClosed
			st.FailureCount = 0
			st.ProbeInFlight = false
			return true, nil
		}
		if st.State == contracts.CircuitClosed && st.FailureCount > 0 {
			st.FailureCount = 0
			return true, nil
		}
		return false, nil
	})
	return err
}

// Failure settles a permit after the dependency failed or timed out.
func (b *Breaker) Failure(ctx context.Context, correlationID string, p Permit) error {
	_, err := b.mutate(ctx, correlationID, func(st *contracts.CircuitBreakerState, now time.Time) (bool, error) {
		switch {
		case p.Probe && st.State == contracts.CircuitHalfOpen:
			st.State = contracts.CircuitOpen
			st.OpenedAt = now
			st.ProbeInFlight = false
			st.FailureCount++
		case st.State == contracts.CircuitClosed:
			st.FailureCount++
			if st.FailureCount >= b.cfg.FailureThreshold {
				st.State = contracts.CircuitOpen
				st.OpenedAt = now
			}
		default:
			return false, nil
		}
		return true, nil
	})
	return err
}

// Release settles a permit whose call was cancelled by the caller. It counts
// neither as success nor failure; a probe slot is freed for the next caller.
func (b *Breaker) Release(ctx context.Context, correlationID string, p Permit) error {
	if !p.Probe {
		return nil
	}
	_, err := b.mutate(context.WithoutCancel(ctx), correlationID, func(st *contracts.CircuitBreakerState, _ time.Time) (bool, error) {
		if st.State != contracts.CircuitHalfOpen || !st.ProbeInFlight {
			return false, nil
		}
		st.ProbeInFlight = false
		return true, nil
	})
	return err
}
