// Package events defines the audit event envelope, its hashing and the
// canonical ordering used by the audit log and replay.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Envelope is one immutable audit event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventTime     time.Time       `json:"event_time"`
	ProcessTime   time.Time       `json:"process_time"`
	EventType     Type            `json:"event_type"`
	Actor         string          `json:"actor"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
}

// Params describes an event to build.
type Params struct {
	Type          Type
	EventTime     time.Time
	ProcessTime   time.Time
	Actor         string
	TenantID      string
	CorrelationID string
	Payload       any
}

// NewID returns a time-ordered unique event identifier (UUIDv7).
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}

// New builds an envelope, canonicalizing and hashing the payload.
func New(p Params) (*Envelope, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if p.CorrelationID == "" {
		return nil, fmt.Errorf("event %s: correlation id is required", p.Type)
	}
	if p.EventTime.IsZero() {
		return nil, fmt.Errorf("event %s: event time is required", p.Type)
	}

	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("event %s payload: %w", p.Type, err)
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}

	processTime := p.ProcessTime
	if processTime.IsZero() {
		processTime = p.EventTime
	}

	return &Envelope{
		EventID:       id,
		EventTime:     p.EventTime.UTC(),
		ProcessTime:   processTime.UTC(),
		EventType:     p.Type,
		Actor:         p.Actor,
		TenantID:      p.TenantID,
		CorrelationID: p.CorrelationID,
		Payload:       canonical,
		PayloadHash:   canonicalize.HashBytes(canonical),
	}, nil
}

// Verify recomputes the payload digest and reports any mismatch as tampering.
func Verify(e *Envelope) error {
	canonical, err := canonicalize.Transform(e.Payload)
	if err != nil {
		return &contracts.TamperError{EventID: e.EventID, Field: "payload", Expected: e.PayloadHash, Actual: "unparseable: " + err.Error()}
	}
	if actual := canonicalize.HashBytes(canonical); actual != e.PayloadHash {
		return &contracts.TamperError{EventID: e.EventID, Field: "payload_hash", Expected: e.PayloadHash, Actual: actual}
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", e.EventType, e.EventID, err)
	}
	return nil
}
