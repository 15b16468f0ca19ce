package databases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryVectorSimilaritySearch(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVector()

	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"kind": "fact"}))
	require.NoError(t, v.Upsert(ctx, "b", []float32{0, 1, 0}, map[string]string{"kind": "preference"}))
	require.NoError(t, v.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, map[string]string{"kind": "fact"}))

	results, err := v.SimilaritySearch(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "c", results[1].ID)

	filtered, err := v.SimilaritySearch(ctx, []float32{1, 0, 0}, 5, map[string]string{"kind": "preference"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "b", filtered[0].ID)

	require.NoError(t, v.Delete(ctx, "a"))
	results, err = v.SimilaritySearch(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}
