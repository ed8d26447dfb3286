package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew_HashIndependentOfKeyOrder(t *testing.T) {
	a, err := New(Params{Type: TypeGateDecision, EventTime: t0, CorrelationID: "c1", Payload: json.RawMessage(`{"b":1,"a":2.0}`)})
	require.NoError(t, err)
	b, err := New(Params{Type: TypeGateDecision, EventTime: t0, CorrelationID: "c1", Payload: map[string]int{"a": 2, "b": 1}})
	require.NoError(t, err)

	assert.Equal(t, a.PayloadHash, b.PayloadHash)
	assert.Equal(t, `{"a":2,"b":1}`, string(a.Payload))
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Params{EventTime: t0, CorrelationID: "c"})
	require.Error(t, err)
	_, err = New(Params{Type: TypeAttempt, EventTime: t0})
	require.Error(t, err)
	_, err = New(Params{Type: TypeAttempt, CorrelationID: "c"})
	require.Error(t, err)
	_, err = New(Params{Type: TypeAttempt, EventTime: t0, CorrelationID: "c", Payload: map[string]any{"f": func() {}}})
	require.Error(t, err)
}

func TestVerify_DetectsMutation(t *testing.T) {
	e, err := New(Params{Type: TypeAttempt, EventTime: t0, CorrelationID: "c", Payload: map[string]any{"attempt": 1}})
	require.NoError(t, err)
	require.NoError(t, Verify(e))

	e.Payload = json.RawMessage(`{"attempt":2}`)
	err = Verify(e)
	require.ErrorIs(t, err, contracts.ErrTamperDetected)

	e.Payload = json.RawMessage(`{not json`)
	require.ErrorIs(t, Verify(e), contracts.ErrTamperDetected)
}

func TestVerify_AcceptsReformattedPayload(t *testing.T) {
	e, err := New(Params{Type: TypeAttempt, EventTime: t0, CorrelationID: "c", Payload: map[string]any{"a": 1, "b": "x"}})
	require.NoError(t, err)
	e.Payload = json.RawMessage(`{ "b" : "x", "a" : 1.0 }`)
	assert.NoError(t, Verify(e))
}

func TestTimeoutType(t *testing.T) {
	assert.Equal(t, Type("TIMEOUT_HTTP"), Timeout("http"))
	assert.True(t, Timeout("db").IsTimeout())
	assert.False(t, Type("TIMEOUT_").IsTimeout())
	assert.Equal(t, Timeout("a").Priority(), Timeout("zzz").Priority())
	assert.Less(t, TypeAttempt.Priority(), Timeout("db").Priority())
	assert.Less(t, Timeout("db").Priority(), TypeRetryExhausted.Priority())
	assert.Greater(t, Type("SOMETHING_ELSE").Priority(), TypeEffectExecuted.Priority())
}
