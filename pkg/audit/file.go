package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
)

// FileLog is a Log persisted as JSON lines, one Record per line. The whole
// file is loaded on open and verified.
type FileLog struct {
	path string
	mu   sync.Mutex
	mem  *MemoryLog
	f    *os.File
}

// OpenFileLog opens (or creates) a JSONL audit log.
func OpenFileLog(path string) (*FileLog, error) {
	mem := NewMemoryLog()
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(records); err != nil {
		return nil, fmt.Errorf("audit: %s: %w", path, err)
	}
	for _, r := range records {
		mem.records = append(mem.records, r)
		mem.byID[r.Event.EventID] = r
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileLog{path: path, mem: mem, f: f}, nil
}

func readRecords(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("audit: %s line %d: %w", path, line, err)
		}
		out = append(out, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return out, nil
}

func (l *FileLog) Append(ctx context.Context, e *events.Envelope) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.mem.records)
	r, err := l.mem.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	if len(l.mem.records) == before {
		return r, nil
	}

	line, err := json.Marshal(r)
	if err != nil {
		l.rollback(r)
		return nil, err
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.rollback(r)
		return nil, fmt.Errorf("audit: write %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return nil, fmt.Errorf("audit: sync %s: %w", l.path, err)
	}
	return r, nil
}

func (l *FileLog) rollback(r *Record) {
	l.mem.mu.Lock()
	defer l.mem.mu.Unlock()
	l.mem.records = l.mem.records[:len(l.mem.records)-1]
	delete(l.mem.byID, r.Event.EventID)
}

func (l *FileLog) ReadByCorrelation(ctx context.Context, correlationID string) ([]*events.Envelope, error) {
	return l.mem.ReadByCorrelation(ctx, correlationID)
}

func (l *FileLog) ReadRange(ctx context.Context, from uint64, limit int) ([]*Record, error) {
	return l.mem.ReadRange(ctx, from, limit)
}

func (l *FileLog) Close() error {
	return l.f.Close()
}
