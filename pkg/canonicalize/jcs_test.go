package canonicalize

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]interface{}{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"q": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a&b>"}`, string(b))
}

func TestTransform_NumericRepresentation(t *testing.T) {
	forms := []string{`{"n":1}`, `{"n":1.0}`, `{"n":1e0}`, `{"n":10e-1}`}
	var first []byte
	for _, f := range forms {
		out, err := Transform([]byte(f))
		require.NoError(t, err, f)
		if first == nil {
			first = out
			continue
		}
		assert.Equal(t, string(first), string(out), f)
	}
	assert.Equal(t, `{"n":1}`, string(first))
}

func TestTransform_KeyOrderIndependent(t *testing.T) {
	a, err := Transform([]byte(`{"tenant":"t1","amount":12.50,"tags":["x","y"],"meta":{"b":true,"a":null}}`))
	require.NoError(t, err)
	b, err := Transform([]byte(`{"meta":{"a":null,"b":true},"tags":["x","y"],"amount":12.5,"tenant":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, HashBytes(a), HashBytes(b))
}

func TestJCS_NFCNormalization(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	a, err := JCS(map[string]string{"name": composed})
	require.NoError(t, err)
	b, err := JCS(map[string]string{"name": decomposed})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestJCS_NFCKeyCollision(t *testing.T) {
	_, err := JCS(map[string]int{"caf\u00e9": 1, "cafe\u0301": 2})
	require.ErrorIs(t, err, ErrNonDeterministic)
}

func TestJCS_RejectsNonDeterministicTypes(t *testing.T) {
	cases := map[string]interface{}{
		"chan":      map[string]interface{}{"c": make(chan int)},
		"func":      map[string]interface{}{"f": func() {}},
		"complex":   []interface{}{complex(1, 2)},
		"nan":       map[string]float64{"x": math.NaN()},
		"inf":       map[string]float64{"x": math.Inf(1)},
		"structkey": map[struct{ A int }]bool{{A: 1}: true},
		"bigint":    map[string]int64{"id": 1 << 60},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JCS(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNonDeterministic)
		})
	}
}

func TestJCS_StructTagsAndTime(t *testing.T) {
	type record struct {
		ID   string    `json:"id"`
		At   time.Time `json:"at"`
		Skip string    `json:"-"`
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := JCS(record{ID: "r1", At: at, Skip: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"at":"2026-01-02T03:04:05Z","id":"r1"}`, string(b))
}

func TestSet_OrderIndependent(t *testing.T) {
	a, err := JCS(map[string]interface{}{"s": Set{"b", "a", "c"}})
	require.NoError(t, err)
	b, err := JCS(map[string]interface{}{"s": Set{"c", "b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, `{"s":["a","b","c"]}`, string(a))
	assert.Equal(t, string(a), string(b))
}

func TestSet_RejectsDuplicates(t *testing.T) {
	_, err := JCS(Set{"a", "a"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "duplicate"))
}

func TestHash_Prefixed(t *testing.T) {
	h, err := Hash(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, HashPrefix))
	assert.Len(t, h, len(HashPrefix)+64)

	raw := json.RawMessage(`{"a":1}`)
	h2, err := Hash(raw)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestTransform_RejectsTrailingData(t *testing.T) {
	_, err := Transform([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}
