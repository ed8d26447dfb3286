// Package evidence writes self-contained NDJSON snapshots of the effective
// policy, the time basis of a run and its replay reports, and stores them
// by content digest.
package evidence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
)

// Record kinds.
const (
	KindConfig    = "config"
	KindTimeBasis = "time_basis"
)

// ClockSource names where decision times come from.
const ClockSource = "audit.event_time"

// ConfigRecord is the effective policy and its hash.
type ConfigRecord struct {
	Kind             string         `json:"kind"`
	PolicyVersion    string         `json:"policy_version"`
	PolicyHash       string         `json:"policy_hash"`
	Canonicalization string         `json:"canonicalization"`
	Policy           *config.Policy `json:"policy"`
}

// TimeBasisRecord describes the clock a replay used for one correlation id.
type TimeBasisRecord struct {
	Kind           string    `json:"kind"`
	CorrelationID  string    `json:"correlation_id"`
	Mode           string    `json:"mode"`
	ClockSource    string    `json:"clock_source"`
	FirstEventTime time.Time `json:"first_event_time"`
	LastEventTime  time.Time `json:"last_event_time"`
	Events         int       `json:"events"`
}

// Bundle is one evidence snapshot.
type Bundle struct {
	Config  ConfigRecord
	Reports []*replay.Report
}

// NewBundle starts a bundle for policy p.
func NewBundle(p *config.Policy) (*Bundle, error) {
	h, err := p.Hash()
	if err != nil {
		return nil, fmt.Errorf("evidence: policy hash: %w", err)
	}
	return &Bundle{Config: ConfigRecord{
		Kind:             KindConfig,
		PolicyVersion:    p.PolicyVersion,
		PolicyHash:       h,
		Canonicalization: canonicalize.Version,
		Policy:           p,
	}}, nil
}

// Add appends a replay report. Reports are written in the order added.
func (b *Bundle) Add(r *replay.Report) *Bundle {
	b.Reports = append(b.Reports, r)
	return b
}

// Passed reports whether every report in the bundle passed.
func (b *Bundle) Passed() bool {
	for _, r := range b.Reports {
		if !r.Passed() {
			return false
		}
	}
	return true
}

func timeBasis(r *replay.Report) TimeBasisRecord {
	return TimeBasisRecord{
		Kind:           KindTimeBasis,
		CorrelationID:  r.Header.CorrelationID,
		Mode:           r.Header.TimeBasis,
		ClockSource:    ClockSource,
		FirstEventTime: r.Header.FirstEventTime,
		LastEventTime:  r.Header.LastEventTime,
		Events:         r.Header.Events,
	}
}

// WriteTo writes the config record, then a time_basis record followed by
// the report lines for each report.
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(v any) error {
		line, err := canonicalize.JCS(v)
		if err != nil {
			return fmt.Errorf("evidence: %w", err)
		}
		m, err := w.Write(append(line, '\n'))
		n += int64(m)
		return err
	}

	if err := write(b.Config); err != nil {
		return n, err
	}
	for _, r := range b.Reports {
		if err := write(timeBasis(r)); err != nil {
			return n, err
		}
		m, err := r.WriteTo(w)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Bytes returns the NDJSON encoding.
func (b *Bundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Export writes the bundle to sink.
func Export(ctx context.Context, sink Sink, b *Bundle) (Object, error) {
	data, err := b.Bytes()
	if err != nil {
		return Object{}, err
	}
	return sink.Put(ctx, data)
}

// Line is one decoded bundle record.
type Line struct {
	Kind string
	Raw  json.RawMessage
}

// Decode unmarshals the record into v.
func (l Line) Decode(v any) error { return json.Unmarshal(l.Raw, v) }

// ReadLines splits an NDJSON bundle into records.
func ReadLines(r io.Reader) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("evidence line %d: %w", len(out)+1, err)
		}
		out = append(out, Line{Kind: head.Kind, Raw: append(json.RawMessage(nil), raw...)})
	}
	return out, sc.Err()
}
