package rerank

import (
	"context"
	"sort"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pipeline"
)

// TopNNode 按最终得分排序并截取前 N 个物品。
// 同分按 id 升序，保证同一份输入总是得到同一个顺序。
//
// 示例：
//
//	pipeline := &pipeline.Pipeline{
//	    Nodes: []pipeline.Node{
//	        fanout,
//	        &rank.FusionNode{...},
//	        &rerank.SeenPenaltyNode{Penalty: 1000},
//	        &rerank.TopNNode{N: 300},
//	    },
//	}
type TopNNode struct {
	// N 要保留的物品数量，N <= 0 时只排序不截断
	N int
}

func (n *TopNNode) Name() string {
	return "rerank.topn"
}

func (n *TopNNode) Kind() pipeline.Kind {
	return pipeline.KindReRank
}

func (n *TopNNode) Process(
	_ context.Context,
	_ *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	out := make([]*core.Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if n.N > 0 && len(out) > n.N {
		out = out[:n.N]
	}
	return out, nil
}
