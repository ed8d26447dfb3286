package events

import (
	"sort"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Less is the canonical order: event_time, then type priority, then event_id.
func Less(a, b *Envelope) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	if pa, pb := a.EventType.Priority(), b.EventType.Priority(); pa != pb {
		return pa < pb
	}
	return a.EventID < b.EventID
}

// Order returns a sorted copy of evs. The input is left untouched.
func Order(evs []*Envelope) []*Envelope {
	out := make([]*Envelope, len(evs))
	copy(out, evs)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Dedupe drops repeated deliveries of the same event. A repeated event_id
// carrying a different payload hash is reported as tampering.
func Dedupe(evs []*Envelope) ([]*Envelope, error) {
	seen := make(map[string]string, len(evs))
	out := make([]*Envelope, 0, len(evs))
	for _, e := range evs {
		if prev, ok := seen[e.EventID]; ok {
			if prev != e.PayloadHash {
				return nil, &contracts.TamperError{EventID: e.EventID, Field: "duplicate payload_hash", Expected: prev, Actual: e.PayloadHash}
			}
			continue
		}
		seen[e.EventID] = e.PayloadHash
		out = append(out, e)
	}
	return out, nil
}
