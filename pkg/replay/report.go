package replay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
)

// Line kinds.
const (
	KindHeader  = "header"
	KindEvent   = "event"
	KindSummary = "summary"
)

// TimeBasisEventTime is the only time basis replay uses.
const TimeBasisEventTime = "event_time"

// Status values.
const (
	StatusPass     = "PASS"
	StatusFail     = "FAIL"
	StatusVerified = "verified"
	StatusMatched  = "matched"
	StatusFailed   = "failed"
)

// Failure kinds.
const (
	FailureTamper           = "tamper_detected"
	FailureMissingReference = "missing_durable_reference"
	FailureDivergence       = "divergence"
)

// Header is the first report line.
type Header struct {
	Kind             string    `json:"kind"`
	CorrelationID    string    `json:"correlation_id"`
	PolicyHash       string    `json:"policy_hash"`
	Canonicalization string    `json:"canonicalization"`
	TimeBasis        string    `json:"time_basis"`
	Delivered        int       `json:"delivered"`
	Events           int       `json:"events"`
	FirstEventTime   time.Time `json:"first_event_time"`
	LastEventTime    time.Time `json:"last_event_time"`
}

// Recomputation is the verdict replay computed for a decision event.
type Recomputation struct {
	Decision         contracts.Decision     `json:"decision"`
	ReasonCode       contracts.ReasonCode   `json:"reason_code"`
	GateName         string                 `json:"gate_name"`
	ApprovalRequired bool                   `json:"approval_required"`
	Trace            []contracts.TraceEntry `json:"trace"`
}

// EventLine is one replayed event.
type EventLine struct {
	Kind        string         `json:"kind"`
	Index       int            `json:"index"`
	EventID     string         `json:"event_id"`
	EventType   events.Type    `json:"event_type"`
	EventTime   time.Time      `json:"event_time"`
	PayloadHash string         `json:"payload_hash"`
	Status      string         `json:"status"`
	Recomputed  *Recomputation `json:"recomputed,omitempty"`
}

// Summary is the last report line.
type Summary struct {
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Events        int    `json:"events"`
	Decisions     int    `json:"decisions"`
	FailedEventID string `json:"failed_event_id,omitempty"`
	Failure       string `json:"failure,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Report is the verdict report of one replay. Its content derives only from
// durable records, so replaying the same slice twice yields identical bytes.
type Report struct {
	Header  Header
	Events  []EventLine
	Summary Summary
}

// Passed reports whether every event verified and every decision matched.
func (r *Report) Passed() bool { return r.Summary.Status == StatusPass }

func (r *Report) append(l EventLine) *Report {
	r.Events = append(r.Events, l)
	return r
}

func (r *Report) fail(eventID string, err error) *Report {
	if n := len(r.Events); n > 0 && r.Events[n-1].EventID == eventID {
		r.Events[n-1].Status = StatusFailed
	}
	decisions := r.Summary.Decisions
	r.Summary = Summary{
		Kind:          KindSummary,
		CorrelationID: r.Header.CorrelationID,
		Status:        StatusFail,
		Events:        len(r.Events),
		Decisions:     decisions,
		FailedEventID: eventID,
		Failure:       FailureKind(err),
		Detail:        err.Error(),
	}
	return r
}

// FailureKind classifies a replay error.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, contracts.ErrTamperDetected):
		return FailureTamper
	case errors.Is(err, contracts.ErrMissingDurableReference):
		return FailureMissingReference
	case errors.Is(err, ErrDiverged):
		return FailureDivergence
	default:
		return "error"
	}
}

// Lines returns the report records in output order.
func (r *Report) Lines() []any {
	out := make([]any, 0, len(r.Events)+2)
	out = append(out, r.Header)
	for _, l := range r.Events {
		out = append(out, l)
	}
	return append(out, r.Summary)
}

// WriteTo writes the report as canonical NDJSON.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, l := range r.Lines() {
		b, err := canonicalize.JCS(l)
		if err != nil {
			return n, fmt.Errorf("replay report: %w", err)
		}
		m, err := w.Write(append(b, '\n'))
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Bytes returns the NDJSON encoding.
func (r *Report) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash is the canonical digest of the NDJSON encoding.
func (r *Report) Hash() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}
