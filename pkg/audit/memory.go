package audit

import (
	"context"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
)

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]*Record)}
}

func (l *MemoryLog) Append(_ context.Context, e *events.Envelope) (*Record, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byID[e.EventID]; ok {
		if err := checkDuplicate(existing.Event, e); err != nil {
			return nil, err
		}
		return existing, nil
	}

	prev := GenesisHash
	if n := len(l.records); n > 0 {
		prev = l.records[n-1].ChainHash
	}
	seq := uint64(len(l.records) + 1)
	h, err := ChainHash(prev, seq, e)
	if err != nil {
		return nil, err
	}
	cp := *e
	r := &Record{Sequence: seq, Event: &cp, PrevHash: prev, ChainHash: h}
	l.records = append(l.records, r)
	l.byID[e.EventID] = r
	return r, nil
}

func (l *MemoryLog) ReadByCorrelation(_ context.Context, correlationID string) ([]*events.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*events.Envelope, 0)
	for _, r := range l.records {
		if r.Event.CorrelationID == correlationID {
			cp := *r.Event
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemoryLog) ReadRange(_ context.Context, from uint64, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, 0)
	for _, r := range l.records {
		if r.Sequence < from {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *r
		ev := *r.Event
		cp.Event = &ev
		out = append(out, &cp)
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }
