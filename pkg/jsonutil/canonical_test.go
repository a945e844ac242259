package jsonutil_test

import (
	"testing"

	"github.com/ModeShape/modeshape-sub003/pkg/jsonutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortedKeys(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"zebra": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonicalMarshal_StructFieldOrderIgnored(t *testing.T) {
	type rec struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	out, err := jsonutil.CanonicalMarshal(rec{Z: "last", A: "first"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"first","z":"last"}`, string(out))
}

func TestCanonicalMarshal_Nested(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{
		"b": map[string]any{"z": 1, "a": []any{true, nil}},
		"a": 0,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":0,"b":{"a":[true,null],"z":1}}`, string(out))
}

func TestCanonicalMarshal_LargeIntegersPreserved(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestCanonicalMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := jsonutil.CanonicalMarshal(map[string]any{"owner": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"owner":"a<b>&c"}`, string(out))
}

func TestCanonicalMarshal_Unsupported(t *testing.T) {
	_, err := jsonutil.CanonicalMarshal(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}
