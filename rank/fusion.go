package rank

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/model"
	"github.com/rushteam/reqrec/pipeline"
	"github.com/rushteam/reqrec/pkg/utils"
	"github.com/rushteam/reqrec/recall"
)

// FusionNode 融合两条召回路径的得分。
//
//   - 只被语义召回命中的物品，按规则召回同一公式补算 static_score（属性从仓储批量读取）
//   - 仓储中已不存在的物品直接丢弃
//   - item.Score = Model.Predict(features)，默认 static_score + vector_score*50
//
// 补算失败时丢弃这些物品并记录 backfill 降级，规则召回的结果不受影响。
// 排序由 rerank.TopNNode 在降权之后完成。
type FusionNode struct {
	Repo   core.ItemRepository
	Config core.ScoreConfig
	Model  model.RankModel

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func (n *FusionNode) Name() string        { return "rank.fusion" }
func (n *FusionNode) Kind() pipeline.Kind { return pipeline.KindRank }

func (n *FusionNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if len(items) == 0 {
		return items, nil
	}
	m := n.Model
	if m == nil {
		m = model.NewFusionModel(n.Config)
	}

	missing := make([]int64, 0)
	for _, it := range items {
		if it != nil && it.Info() == nil {
			missing = append(missing, it.ID)
		}
	}
	var infos map[int64]*core.ItemInfo
	if len(missing) > 0 {
		var err error
		infos, err = n.Repo.GetItems(ctx, missing)
		if err != nil {
			n.Metrics.Degrade("backfill")
			n.Log.Warn().Err(err).Str("user_id", rctx.UserID).Int("items", len(missing)).
				Str("degraded", "backfill").Msg("backfill static score failed, dropping semantic-only items")
			rctx.PutLabel(recall.LabelDegraded, utils.Label{Value: "backfill", Source: "rank"})
		}
	}

	out := items[:0]
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.Info() == nil {
			info, ok := infos[it.ID]
			if !ok {
				continue
			}
			it.Meta[core.MetaInfo] = info
			it.Features[core.FeatureStaticScore] = n.Config.StaticScore(info, rctx.Tags, rctx.Now)
			it.PutLabel("backfill", utils.Label{Value: "true", Source: "rank"})
		}
		score, err := m.Predict(it.Features)
		if err != nil {
			return nil, err
		}
		it.Score = score
		it.PutLabel("rank_model", utils.Label{Value: m.Name(), Source: "rank"})
		out = append(out, it)
	}
	return out, nil
}
