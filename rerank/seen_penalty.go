package rerank

import (
	"context"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pipeline"
	"github.com/rushteam/reqrec/pkg/utils"
)

// SeenPenaltyNode 是软去重：浏览历史中的物品得分减去固定值，沉到列表底部而不是移除。
// 没有新内容时，看过但相关的物品仍然可以出现。
type SeenPenaltyNode struct {
	Penalty float64
}

func (n *SeenPenaltyNode) Name() string        { return "rerank.seen_penalty" }
func (n *SeenPenaltyNode) Kind() pipeline.Kind { return pipeline.KindReRank }

func (n *SeenPenaltyNode) Process(
	_ context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if n.Penalty == 0 || len(rctx.Seen) == 0 {
		return items, nil
	}
	for _, it := range items {
		if it == nil || !rctx.HasSeen(it.ID) {
			continue
		}
		it.Score -= n.Penalty
		it.Features[core.FeatureSeenPenalty] = n.Penalty
		it.PutLabel("seen", utils.Label{Value: "true", Source: "rerank"})
	}
	return items, nil
}
