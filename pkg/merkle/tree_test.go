package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeterministic(t *testing.T) {
	data := map[string]any{
		"inc-a": map[string]string{"stage": "SUSPICIOUS"},
		"inc-b": map[string]string{"stage": "PROBABLE"},
		"inc-c": map[string]string{"stage": "CONFIRMED"},
	}
	t1, err := Build(data)
	require.NoError(t, err)
	t2, err := Build(data)
	require.NoError(t, err)
	require.Equal(t, t1.Root, t2.Root)
	require.Len(t, t1.Leaves, 3)
	// Leaves come out key-sorted regardless of map iteration order.
	require.Equal(t, "inc-a", t1.Leaves[0].Key)
	require.Equal(t, "inc-c", t1.Leaves[2].Key)
}

func TestRootChangesWithContent(t *testing.T) {
	t1, err := Build(map[string]any{"inc-a": map[string]string{"stage": "SUSPICIOUS"}})
	require.NoError(t, err)
	t2, err := Build(map[string]any{"inc-a": map[string]string{"stage": "PROBABLE"}})
	require.NoError(t, err)
	require.NotEqual(t, t1.Root, t2.Root)
}

func TestEmptyTreeHasStableRoot(t *testing.T) {
	t1, err := Build(nil)
	require.NoError(t, err)
	t2, err := Build(map[string]any{})
	require.NoError(t, err)
	require.Equal(t, t1.Root, t2.Root)
	require.NotEmpty(t, t1.Root)
}

func TestOddLeafCount(t *testing.T) {
	tr, err := Build(map[string]any{"a": 1, "b": 2, "c": 3})
	require.NoError(t, err)
	require.NotEmpty(t, tr.Root)
}
