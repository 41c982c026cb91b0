package bignum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggedRoundTrip(t *testing.T) {
	n, err := Parse("340282366920938463463374607431768211456") // 2^128
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"BigInt","value":"340282366920938463463374607431768211456"}`, string(data))

	var back Int
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, n.Cmp(&back))
}

func TestLegacyForms(t *testing.T) {
	var n Int
	require.NoError(t, json.Unmarshal([]byte(`"227273"`), &n))
	assert.Equal(t, int64(227273), n.Int64())

	var m Int
	require.NoError(t, json.Unmarshal([]byte(`1000`), &m))
	assert.Equal(t, int64(1000), m.Int64())
}

func TestInvalid(t *testing.T) {
	var n Int
	assert.Error(t, json.Unmarshal([]byte(`{"type":"BigInt","value":"xyz"}`), &n))
	assert.Error(t, json.Unmarshal([]byte(`"not a number"`), &n))
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &n))
}

func TestZeroValue(t *testing.T) {
	var n Int
	data, err := json.Marshal(&n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"BigInt","value":"0"}`, string(data))
}
