package recall

import (
	"context"
	"sort"
	"time"

	"github.com/rushteam/reqrec/core"
)

// ItemFilter 判断物品是否可以进入候选集
type ItemFilter interface {
	Allow(info *core.ItemInfo, now time.Time) bool
}

// RuleSource 是规则召回（Path B）：对全部可推荐物品按标签匹配、新鲜度、热度打分，取 TopK。
//
// 用户没有任何标签时使用冷启动公式（只看新鲜度与热度）。
// 同分按 id 升序，结果可复现。
type RuleSource struct {
	Repo   core.ItemRepository
	Config core.ScoreConfig
	// Filter 可选，打分前剔除不可推荐的物品
	Filter ItemFilter
}

func (s *RuleSource) Name() string { return "rule" }

func (s *RuleSource) Recall(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error) {
	infos := rctx.Eligible
	if infos == nil {
		var err error
		if infos, err = s.Repo.ListEligible(ctx); err != nil {
			return nil, err
		}
	}

	type scored struct {
		info  *core.ItemInfo
		score float64
	}
	all := make([]scored, 0, len(infos))
	for _, info := range infos {
		if s.Filter != nil && !s.Filter.Allow(info, rctx.Now) {
			continue
		}
		all = append(all, scored{info: info, score: s.Config.StaticScore(info, rctx.Tags, rctx.Now)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].info.ID < all[j].info.ID
	})

	topK := s.Config.RecallTopK
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	out := make([]*core.Item, 0, len(all))
	for _, sc := range all {
		it := core.NewItem(sc.info.ID)
		it.Features[core.FeatureStaticScore] = sc.score
		it.Meta[core.MetaInfo] = sc.info
		out = append(out, it)
	}
	return out, nil
}
