package audit

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/events"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/kv"
)

func TestSQLLog_Append_FirstRecordChainsFromGenesis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	e := mustEvent(t, events.TypeGateDecision, "c1", map[string]any{"decision": "DENY"})
	h, err := ChainHash(GenesisHash, 1, e)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_events WHERE event_id = $1`)).
		WithArgs(e.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, chain_hash FROM audit_events ORDER BY seq DESC LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_events`)).
		WithArgs(int64(1), e.EventID, e.EventTime.UnixNano(), e.ProcessTime.UnixNano(), string(e.EventType),
			e.Actor, e.TenantID, e.CorrelationID, string(e.Payload), e.PayloadHash, GenesisHash, h).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r, err := NewSQLLog(db, kv.DialectPostgres).Append(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
	assert.Equal(t, h, r.ChainHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
