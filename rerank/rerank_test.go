package rerank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
)

func scored(id int64, score float64) *core.Item {
	it := core.NewItem(id)
	it.Score = score
	return it
}

func ids(items []*core.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestTopNSortsWithIDTieBreak(t *testing.T) {
	n := &TopNNode{N: 3}
	items := []*core.Item{scored(5, 1), scored(3, 7), nil, scored(1, 7), scored(2, 0.5)}

	out, err := n.Process(context.Background(), &core.RecommendContext{}, items)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, ids(out))
}

func TestTopNWithoutLimit(t *testing.T) {
	out, err := (&TopNNode{}).Process(context.Background(), nil, []*core.Item{scored(1, 1), scored(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(out))
}

func TestSeenPenaltyIsExact(t *testing.T) {
	n := &SeenPenaltyNode{Penalty: 1000}
	rctx := &core.RecommendContext{Seen: map[int64]struct{}{2: {}}}
	items := []*core.Item{scored(1, 10), scored(2, 84.25)}

	out, err := n.Process(context.Background(), rctx, items)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out[0].Score)
	assert.Equal(t, 84.25-1000, out[1].Score)
	assert.Equal(t, 1000.0, out[1].Features[core.FeatureSeenPenalty])
}
