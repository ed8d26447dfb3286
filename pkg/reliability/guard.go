package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// GuardConfig is the substrate policy.
type GuardConfig struct {
	Timeouts    Timeouts
	Retry       RetryPolicy
	Breaker     BreakerConfig
	GlobalLimit Limit
	TenantLimit Limit
}

// Validate checks every section.
func (c GuardConfig) Validate() error {
	return errors.Join(
		c.Timeouts.Validate(),
		c.Retry.Validate(),
		c.Breaker.Validate(),
		c.GlobalLimit.Validate("rate_limits.global"),
		c.TenantLimit.Validate("rate_limits.tenant"),
	)
}

// Call describes one guarded external call.
type Call struct {
	// Operation names the call for idempotency and audit.
	Operation string
	// Dependency selects the circuit breaker; defaults to Operation.
	Dependency string
	// Category selects the timeout; defaults to DefaultCategory.
	Category      string
	TenantID      string
	CorrelationID string
	// Params are the stable parameters folded into the idempotency key.
	Params any
}

// Effect performs the external call. Its result must be canonicalizable.
type Effect func(ctx context.Context) (any, error)

// Outcome is the result of Guard.Do.
type Outcome struct {
	Result         json.RawMessage
	IdempotencyKey string
	Attempts       int
	Cached         bool
}

// Event payloads.
type (
	AttemptEvent struct {
		Operation      string `json:"operation"`
		Dependency     string `json:"dependency"`
		Attempt        int    `json:"attempt"`
		Outcome        string `json:"outcome"`
		Retryable      bool   `json:"retryable"`
		Error          string `json:"error,omitempty"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	TimeoutEvent struct {
		Operation string `json:"operation"`
		Category  string `json:"category"`
		Deadline  string `json:"deadline"`
		Attempt   int    `json:"attempt"`
	}
	RetryExhaustedEvent struct {
		Operation string `json:"operation"`
		Attempts  int    `json:"attempts"`
		LastError string `json:"last_error"`
	}
	IdempotencyHitEvent struct {
		Operation      string    `json:"operation"`
		IdempotencyKey string    `json:"idempotency_key"`
		RecordedAt     time.Time `json:"recorded_at"`
	}
	RateLimitedEvent struct {
		Operation string `json:"operation"`
		Bucket    string `json:"bucket"`
	}
)

// Guard wraps external calls in the substrate layers, always in this order:
// idempotency check, tenant then global rate limit, circuit breaker,
// timeout-bounded attempt, retry with backoff, idempotency record on success.
type Guard struct {
	cfg          GuardConfig
	store        kv.Store
	idem         *IdempotencyStore
	backpressure *Backpressure
	sink         audit.Sink
	clock        func() time.Time
	sleep        Sleeper
	logger       *slog.Logger
	telemetry    *observability.Provider

	mu       sync.Mutex
	breakers map[string]*Breaker
	flight   singleflight.Group
}

// NewGuard builds a guard over store, limiter and sink.
func NewGuard(cfg GuardConfig, store kv.Store, limiter Limiter, sink audit.Sink) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{
		cfg:          cfg,
		store:        store,
		idem:         NewIdempotencyStore(store),
		backpressure: NewBackpressure(limiter, cfg.GlobalLimit, cfg.TenantLimit),
		sink:         sink,
		clock:        time.Now,
		sleep:        Sleep,
		logger:       slog.Default().With("component", "reliability"),
		breakers:     make(map[string]*Breaker),
	}, nil
}

// WithClock overrides the clock for events, idempotency records and breakers.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	g.idem.WithClock(clock)
	return g
}

// WithSleeper overrides how backoff delays are waited out.
func (g *Guard) WithSleeper(s Sleeper) *Guard {
	g.sleep = s
	return g
}

// WithLogger overrides the logger.
func (g *Guard) WithLogger(logger *slog.Logger) *Guard {
	g.logger = logger.With("component", "reliability")
	return g
}

// WithTelemetry records spans, attempts and rejections to p.
func (g *Guard) WithTelemetry(p *observability.Provider) *Guard {
	g.telemetry = p
	return g
}

// Breaker returns the breaker for dependency, creating it on first use.
func (g *Guard) Breaker(dependency string) (*Breaker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[dependency]; ok {
		return b, nil
	}
	b, err := NewBreaker(dependency, g.cfg.Breaker, g.store, g.sink)
	if err != nil {
		return nil, err
	}
	b.WithClock(g.clock).WithLogger(g.logger)
	g.breakers[dependency] = b
	return b, nil
}

// Do runs fn under the substrate. Concurrent calls with the same idempotency
// key share one execution.
func (g *Guard) Do(ctx context.Context, call Call, fn Effect) (*Outcome, error) {
	if call.Operation == "" {
		return nil, errors.New("reliability: operation is required")
	}
	if call.Dependency == "" {
		call.Dependency = call.Operation
	}
	if call.Category == "" {
		call.Category = DefaultCategory
	}
	if call.CorrelationID == "" {
		return nil, errors.New("reliability: correlation id is required")
	}
	key, err := IdempotencyKey(call.Operation, call.TenantID, call.CorrelationID, call.Params)
	if err != nil {
		return nil, err
	}

	ctx, span := g.telemetry.StartSpan(ctx, "reliability.guard",
		observability.AttrOperation.String(call.Operation),
		observability.AttrTenantID.String(call.TenantID),
		observability.AttrCorrelationID.String(call.CorrelationID),
	)
	v, err, _ := g.flight.Do(call.TenantID+"|"+key, func() (any, error) {
		return g.do(ctx, call, key, fn)
	})
	observability.EndSpan(span, err)
	out, _ := v.(*Outcome)
	return out, err
}

func (g *Guard) do(ctx context.Context, call Call, key string, fn Effect) (*Outcome, error) {
	rec, err := g.idem.Lookup(ctx, call.TenantID, key)
	switch {
	case err == nil:
		g.logger.DebugContext(ctx, "idempotency hit", "operation", call.Operation, "idempotency_key", key)
		aerr := g.emit(ctx, call, events.TypeIdempotencyHit, IdempotencyHitEvent{
			Operation:      call.Operation,
			IdempotencyKey: key,
			RecordedAt:     rec.RecordedAt,
		})
		return &Outcome{Result: rec.Result, IdempotencyKey: key, Cached: true}, aerr
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("%s: idempotency lookup: %w", call.Operation, err)
	}

	if bucket, err := g.backpressure.Admit(ctx, call.TenantID); err != nil {
		if !errors.Is(err, contracts.ErrRateLimited) {
			return nil, fmt.Errorf("%s: rate limit check: %w", call.Operation, err)
		}
		g.telemetry.RecordRejection(ctx, call.Operation, "rate_limited")
		g.logger.WarnContext(ctx, "rate limited", "operation", call.Operation, "tenant_id", call.TenantID, "bucket", bucket.String())
		aerr := g.emit(ctx, call, events.TypeRateLimited, RateLimitedEvent{Operation: call.Operation, Bucket: bucket.String()})
		return nil, errors.Join(fmt.Errorf("%s: %w", call.Operation, err), aerr)
	}

	breaker, err := g.Breaker(call.Dependency)
	if err != nil {
		return nil, err
	}

	schedule := g.cfg.Retry.schedule()
	var last error
	for attempt := 1; attempt <= g.cfg.Retry.MaxAttempts; attempt++ {
		permit, err := breaker.Allow(ctx, call.CorrelationID)
		if err != nil {
			if errors.Is(err, contracts.ErrCircuitOpen) {
				g.telemetry.RecordRejection(ctx, call.Operation, "circuit_open")
			}
			return nil, fmt.Errorf("%s: %w", call.Operation, err)
		}

		result, outcome := g.attempt(ctx, call, key, attempt, fn)
		settle := context.WithoutCancel(ctx)
		switch outcome {
		case OutcomeSuccess:
			err = breaker.Success(settle, call.CorrelationID, permit)
		case OutcomeCancelled:
			err = breaker.Release(settle, call.CorrelationID, permit)
		default:
			err = breaker.Failure(settle, call.CorrelationID, permit)
		}
		if err != nil {
			g.logger.ErrorContext(ctx, "breaker not settled", "breaker", call.Dependency, "error", err)
		}

		if outcome == OutcomeSuccess {
			out := &Outcome{Result: result.value, IdempotencyKey: key, Attempts: attempt}
			if _, err := g.idem.Record(settle, call.TenantID, key, call.Operation, result.value); err != nil {
				return out, fmt.Errorf("%s: %w", call.Operation, err)
			}
			return out, result.auditErr
		}
		last = result.err
		if result.auditErr != nil {
			return nil, errors.Join(last, result.auditErr)
		}
		if outcome == OutcomeCancelled {
			return nil, fmt.Errorf("%s: attempt %d cancelled: %w", call.Operation, attempt, ctx.Err())
		}
		if !Retryable(last) {
			return nil, fmt.Errorf("%s: %w", call.Operation, last)
		}
		if attempt == g.cfg.Retry.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, schedule.NextBackOff()); err != nil {
			return nil, fmt.Errorf("%s: backoff after attempt %d: %w", call.Operation, attempt, err)
		}
	}

	exhausted := &contracts.RetryExhaustedError{Operation: call.Operation, Attempts: g.cfg.Retry.MaxAttempts, Last: last}
	g.logger.WarnContext(ctx, "retry exhausted", "operation", call.Operation, "attempts", exhausted.Attempts, "error", last)
	aerr := g.emit(ctx, call, events.TypeRetryExhausted, RetryExhaustedEvent{
		Operation: call.Operation,
		Attempts:  exhausted.Attempts,
		LastError: errString(last),
	})
	return nil, errors.Join(exhausted, aerr)
}

type attemptResult struct {
	value    json.RawMessage
	err      error
	auditErr error
}

// attempt runs fn once under its category deadline and audits the outcome.
// A deadline that fires aborts the wait; fn is left to observe its
// cancelled context.
func (g *Guard) attempt(ctx context.Context, call Call, key string, n int, fn Effect) (attemptResult, string) {
	deadline := g.cfg.Timeouts.For(call.Category)
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type reply struct {
		value any
		err   error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		v, err := fn(actx)
		done <- reply{value: v, err: err}
	}()

	var (
		r        reply
		returned bool
	)
	select {
	case r = <-done:
		returned = true
	case <-actx.Done():
	}
	elapsed := time.Since(start)

	var res attemptResult
	outcome := OutcomeFailure
	switch {
	case returned && r.err == nil:
		b, err := canonicalize.JCS(r.value)
		if err != nil {
			// The effect ran; running it again to get an encodable result
			// would repeat it.
			res.err = Permanent(fmt.Errorf("result of %s: %w", call.Operation, err))
			break
		}
		outcome = OutcomeSuccess
		res.value = b
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
		res.err = ctx.Err()
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		res.err = fmt.Errorf("%s timeout after %s: %w", call.Category, deadline, context.DeadlineExceeded)
	default:
		res.err = r.err
	}

	g.telemetry.RecordAttempt(ctx, call.Operation, outcome, elapsed)
	ev := AttemptEvent{
		Operation:      call.Operation,
		Dependency:     call.Dependency,
		Attempt:        n,
		Outcome:        outcome,
		Error:          errString(res.err),
		IdempotencyKey: key,
	}
	if outcome == OutcomeFailure || outcome == OutcomeTimeout {
		ev.Retryable = Retryable(res.err)
	}
	res.auditErr = g.emit(ctx, call, events.TypeAttempt, ev)

	if outcome == OutcomeTimeout {
		g.logger.WarnContext(ctx, "attempt timed out", "operation", call.Operation, "category", call.Category, "deadline", deadline)
		res.auditErr = errors.Join(res.auditErr, g.emit(ctx, call, events.Timeout(call.Category), TimeoutEvent{
			Operation: call.Operation,
			Category:  call.Category,
			Deadline:  deadline.String(),
			Attempt:   n,
		}))
	}
	return res, outcome
}

func (g *Guard) emit(ctx context.Context, call Call, t events.Type, payload any) error {
	_, err := g.sink.Emit(context.WithoutCancel(ctx), events.Params{
		Type:          t,
		EventTime:     g.clock(),
		TenantID:      call.TenantID,
		CorrelationID: call.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "substrate event not audited", "event_type", t, "operation", call.Operation, "error", err)
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
