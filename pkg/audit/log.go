// Package audit is the durable, append-only audit trail. Records are
// hash-chained in append order; delivery of the same event twice is absorbed,
// while the same event id with different content is rejected as tampering.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
)

// GenesisHash anchors the chain.
const GenesisHash = "genesis"

// ErrChainBroken is returned by VerifyChain.
var ErrChainBroken = errors.New("audit: hash chain is broken")

// Record is an envelope as stored, with its position in the chain.
type Record struct {
	Sequence  uint64           `json:"sequence"`
	Event     *events.Envelope `json:"event"`
	PrevHash  string           `json:"prev_hash"`
	ChainHash string           `json:"chain_hash"`
}

// Reader is the read side used by replay.
type Reader interface {
	// ReadByCorrelation returns every event for a correlation id in storage order.
	ReadByCorrelation(ctx context.Context, correlationID string) ([]*events.Envelope, error)
	// ReadRange returns up to limit records with Sequence >= from. limit <= 0 means no limit.
	ReadRange(ctx context.Context, from uint64, limit int) ([]*Record, error)
}

// Log is the append-only audit trail.
type Log interface {
	Reader
	// Append stores e. Re-appending an identical event returns the stored record.
	Append(ctx context.Context, e *events.Envelope) (*Record, error)
	Close() error
}

// ChainHash links a record to its predecessor.
func ChainHash(prev string, seq uint64, e *events.Envelope) (string, error) {
	return canonicalize.Hash(map[string]string{
		"prev":         prev,
		"sequence":     strconv.FormatUint(seq, 10),
		"event_id":     e.EventID,
		"event_type":   string(e.EventType),
		"event_time":   strconv.FormatInt(e.EventTime.UnixNano(), 10),
		"payload_hash": e.PayloadHash,
	})
}

// VerifyChain checks sequence continuity, chain links and payload digests.
// records must start at sequence 1. A break is reported as a
// *contracts.TamperError that also matches ErrChainBroken.
func VerifyChain(records []*Record) error {
	prev := GenesisHash
	for i, r := range records {
		if r.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: %w", ErrChainBroken, &contracts.TamperError{
				EventID:  r.Event.EventID,
				Field:    "sequence",
				Expected: strconv.Itoa(i + 1),
				Actual:   strconv.FormatUint(r.Sequence, 10),
			})
		}
		if r.PrevHash != prev {
			return fmt.Errorf("%w: %w", ErrChainBroken, &contracts.TamperError{
				EventID:  r.Event.EventID,
				Field:    "prev_hash",
				Expected: prev,
				Actual:   r.PrevHash,
			})
		}
		if err := events.Verify(r.Event); err != nil {
			return err
		}
		h, err := ChainHash(prev, r.Sequence, r.Event)
		if err != nil {
			return err
		}
		if h != r.ChainHash {
			return fmt.Errorf("%w: %w", ErrChainBroken, &contracts.TamperError{EventID: r.Event.EventID, Field: "chain_hash", Expected: r.ChainHash, Actual: h})
		}
		prev = r.ChainHash
	}
	return nil
}

// checkDuplicate compares an incoming event with one already stored under the same id.
func checkDuplicate(stored, incoming *events.Envelope) error {
	if stored.PayloadHash != incoming.PayloadHash {
		return &contracts.TamperError{
			EventID:  incoming.EventID,
			Field:    "duplicate payload_hash",
			Expected: stored.PayloadHash,
			Actual:   incoming.PayloadHash,
		}
	}
	return nil
}

func validate(e *events.Envelope) error {
	if e == nil || e.EventID == "" {
		return fmt.Errorf("audit: event id is required")
	}
	return events.Verify(e)
}

// VerifyCorrelation checks the whole chain in r and then that delivered is
// exactly the chained set of events for correlationID. Duplicates in
// delivered are allowed; an event the chain does not hold, or a chained event
// missing from delivered, is tampering.
func VerifyCorrelation(ctx context.Context, r Reader, correlationID string, delivered []*events.Envelope) error {
	records, err := r.ReadRange(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("audit: read chain: %w", err)
	}
	if err := VerifyChain(records); err != nil {
		return err
	}

	chained := make(map[string]string)
	for _, rec := range records {
		if rec.Event.CorrelationID == correlationID {
			chained[rec.Event.EventID] = rec.Event.PayloadHash
		}
	}
	seen := make(map[string]bool, len(chained))
	for _, e := range delivered {
		h, ok := chained[e.EventID]
		if !ok {
			return &contracts.TamperError{EventID: e.EventID, Field: "chain membership", Expected: "chained event", Actual: "not in chain"}
		}
		if h != e.PayloadHash {
			return &contracts.TamperError{EventID: e.EventID, Field: "payload_hash", Expected: h, Actual: e.PayloadHash}
		}
		seen[e.EventID] = true
	}
	for _, rec := range records {
		if id := rec.Event.EventID; rec.Event.CorrelationID == correlationID && !seen[id] {
			return &contracts.TamperError{EventID: id, Field: "chain membership", Expected: "delivered", Actual: "omitted"}
		}
	}
	return nil
}
