package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]string{"q": "a<b&c>d"})
	require.NoError(t, err)
	require.Equal(t, `{"q":"a<b&c>d"}`, string(out))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"x": "1", "y": []int{2, 3}})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"y": []int{2, 3}, "x": "1"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Contains(t, h1, "sha256:")
}
