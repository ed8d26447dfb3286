package contracts

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord caches the outcome of a completed guarded operation.
type IdempotencyRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Operation      string          `json:"operation"`
	Result         json.RawMessage `json:"result"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// CircuitState is a circuit breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted state of one breaker.
type CircuitBreakerState struct {
	Name          string       `json:"name"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	OpenedAt      time.Time    `json:"opened_at,omitempty"`
	LastProbeAt   time.Time    `json:"last_probe_at,omitempty"`
	ProbeInFlight bool         `json:"probe_in_flight,omitempty"`
}

// DropPolicy selects what a full bounded queue gives up.
type DropPolicy string

const (
	DropRejectNew DropPolicy = "reject_new"
	DropOldest    DropPolicy = "drop_oldest"
	DropNewest    DropPolicy = "drop_newest"
)

// Known reports whether p is a defined policy.
func (p DropPolicy) Known() bool {
	return p == DropRejectNew || p == DropOldest || p == DropNewest
}
