package recall

import (
	"context"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pkg/utils"
)

// SemanticSource 是语义召回（Path A）：用融合后的用户查询向量在向量索引中检索。
//
// 没有查询向量时返回 ErrNoQueryVector；索引不可用时返回错误，由 Fanout 降级。
type SemanticSource struct {
	Index core.VectorIndex
	TopK  int
}

func (s *SemanticSource) Name() string { return "semantic" }

func (s *SemanticSource) Recall(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error) {
	if len(rctx.QueryVector) == 0 {
		return nil, ErrNoQueryVector
	}
	topK := s.TopK
	if topK <= 0 {
		topK = core.DefaultScoreConfig().RecallTopK
	}
	hits, err := s.Index.Search(ctx, rctx.QueryVector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Item, 0, len(hits))
	for _, h := range hits {
		it := core.NewItem(h.ItemID)
		it.Features[core.FeatureVectorScore] = h.Score
		it.PutLabel("vector_score", utils.ScoreLabel(h.Score, "recall"))
		out = append(out, it)
	}
	return out, nil
}
