package core

import (
	"time"

	"github.com/rushteam/reqrec/pkg/utils"
)

// RecommendContext 承载单个用户一次候选生成所需的全部输入，贯穿整个 Pipeline 透传。
// 由 candidate.Generator 在并发读取画像/历史/向量后一次性构造，Node 只读。
type RecommendContext struct {
	UserID string

	// Static 静态画像（可能为空画像，但不为 nil）
	Static *UserStaticProfile

	// Tags 静态标签与动态活跃标签的并集；为空表示冷启动
	Tags ActiveTags

	// Seen 用户浏览历史中的全部物品
	Seen map[int64]struct{}

	// QueryVector 融合后的查询向量，为空时跳过语义召回
	QueryVector []float32

	// Now 本次生成的时间基准（新鲜度分桶）
	Now time.Time

	// Labels 是用户级标签，例如 cold_start
	Labels map[string]utils.Label

	// Params 请求级参数
	Params map[string]any

	// Eligible 与画像读取并发预取的可推荐物品；为 nil 时规则召回自行查询
	Eligible []*ItemInfo
}

// Cold 是否为冷启动（没有任何标签）
func (rctx *RecommendContext) Cold() bool {
	return rctx.Tags.IsEmpty()
}

// HasSeen 物品是否在浏览历史中
func (rctx *RecommendContext) HasSeen(id int64) bool {
	_, ok := rctx.Seen[id]
	return ok
}

// PutLabel 写入用户级 Label。
func (rctx *RecommendContext) PutLabel(key string, lbl utils.Label) {
	if rctx.Labels == nil {
		rctx.Labels = make(map[string]utils.Label)
	}
	if old, ok := rctx.Labels[key]; ok {
		rctx.Labels[key] = utils.MergeLabel(old, lbl)
		return
	}
	rctx.Labels[key] = lbl
}

// GetLabel 获取用户级 Label。
func (rctx *RecommendContext) GetLabel(key string) (utils.Label, bool) {
	if rctx.Labels == nil {
		return utils.Label{}, false
	}
	lbl, ok := rctx.Labels[key]
	return lbl, ok
}
