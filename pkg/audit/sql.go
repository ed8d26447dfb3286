package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

// SQLLog stores the audit trail in Postgres or SQLite.
type SQLLog struct {
	db      *sql.DB
	dialect kv.Dialect
	mu      sync.Mutex
}

// NewSQLLog wraps an open database. Call Init before use.
func NewSQLLog(db *sql.DB, dialect kv.Dialect) *SQLLog {
	return &SQLLog{db: db, dialect: dialect}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_time BIGINT NOT NULL,
	process_time BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_correlation ON audit_events (correlation_id);
`

// Init creates the schema if needed.
func (l *SQLLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

const selectColumns = `seq, event_id, event_time, process_time, event_type, actor, tenant_id, correlation_id, payload, payload_hash, prev_hash, chain_hash`

const maxAppendRetries = 8

func (l *SQLLog) Append(ctx context.Context, e *events.Envelope) (*Record, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < maxAppendRetries; i++ {
		existing, err := l.byEventID(ctx, e.EventID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if err := checkDuplicate(existing.Event, e); err != nil {
				return nil, err
			}
			return existing, nil
		}

		seq, prev, err := l.head(ctx)
		if err != nil {
			return nil, err
		}
		seq++
		h, err := ChainHash(prev, seq, e)
		if err != nil {
			return nil, err
		}

		query := `INSERT INTO audit_events (` + selectColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT DO NOTHING`
		res, err := l.db.ExecContext(ctx, query,
			int64(seq), e.EventID, e.EventTime.UnixNano(), e.ProcessTime.UnixNano(), string(e.EventType),
			e.Actor, e.TenantID, e.CorrelationID, string(e.Payload), e.PayloadHash, prev, h,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: append %s: %w", e.EventID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("audit: failed to check rows affected: %w", err)
		}
		if rows == 1 {
			cp := *e
			return &Record{Sequence: seq, Event: &cp, PrevHash: prev, ChainHash: h}, nil
		}
		// Another writer took this sequence or event id; re-read and retry.
	}
	return nil, fmt.Errorf("audit: append %s: contention after %d attempts", e.EventID, maxAppendRetries)
}

func (l *SQLLog) head(ctx context.Context) (uint64, string, error) {
	var (
		seq   int64
		chain string
	)
	err := l.db.QueryRowContext(ctx, `SELECT seq, chain_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &chain)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit: read head: %w", err)
	}
	return uint64(seq), chain, nil
}

func (l *SQLLog) byEventID(ctx context.Context, eventID string) (*Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM audit_events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("audit: lookup %s: %w", eventID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (l *SQLLog) ReadByCorrelation(ctx context.Context, correlationID string) ([]*events.Envelope, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM audit_events WHERE correlation_id = $1 ORDER BY seq`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("audit: read correlation %s: %w", correlationID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*events.Envelope, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out, nil
}

func (l *SQLLog) ReadRange(ctx context.Context, from uint64, limit int) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_events WHERE seq >= $1 ORDER BY seq`
	args := []any{int64(from)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: read range from %d: %w", from, err)
	}
	return scanRecords(rows)
}

func (l *SQLLog) Close() error {
	return l.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		var (
			seq, eventTime, processTime int64
			eventType, payload          string
			e                           events.Envelope
			r                           Record
		)
		if err := rows.Scan(&seq, &e.EventID, &eventTime, &processTime, &eventType, &e.Actor, &e.TenantID,
			&e.CorrelationID, &payload, &e.PayloadHash, &r.PrevHash, &r.ChainHash); err != nil {
			return nil, err
		}
		e.EventTime = time.Unix(0, eventTime).UTC()
		e.ProcessTime = time.Unix(0, processTime).UTC()
		e.EventType = events.Type(eventType)
		e.Payload = []byte(payload)
		r.Sequence = uint64(seq)
		r.Event = &e
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
