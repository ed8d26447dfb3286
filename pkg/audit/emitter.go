package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
)

// Sink accepts events from components. Emit returns only after the event is durable.
type Sink interface {
	Emit(ctx context.Context, p events.Params) (*events.Envelope, error)
}

// Emitter builds envelopes and appends them to a Log.
type Emitter struct {
	log    Log
	actor  string
	clock  func() time.Time
	logger *slog.Logger
}

// NewEmitter creates an emitter writing as actor.
func NewEmitter(log Log, actor string) *Emitter {
	return &Emitter{
		log:    log,
		actor:  actor,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the process clock.
func (m *Emitter) WithClock(clock func() time.Time) *Emitter {
	m.clock = clock
	return m
}

// WithLogger overrides the logger.
func (m *Emitter) WithLogger(logger *slog.Logger) *Emitter {
	m.logger = logger.With("component", "audit")
	return m
}

// Emit appends an event. EventTime defaults to the process clock; Actor
// defaults to the emitter's actor.
func (m *Emitter) Emit(ctx context.Context, p events.Params) (*events.Envelope, error) {
	now := m.clock()
	if p.EventTime.IsZero() {
		p.EventTime = now
	}
	p.ProcessTime = now
	if p.Actor == "" {
		p.Actor = m.actor
	}

	e, err := events.New(p)
	if err != nil {
		return nil, err
	}
	if _, err := m.log.Append(ctx, e); err != nil {
		m.logger.ErrorContext(ctx, "audit append failed",
			"event_type", e.EventType,
			"correlation_id", e.CorrelationID,
			"error", err,
		)
		return nil, fmt.Errorf("audit: emit %s: %w", e.EventType, err)
	}
	return e, nil
}
