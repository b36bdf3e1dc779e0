package pipeline

import (
	"context"

	"github.com/rushteam/reqrec/core"
)

// Kind 用于标记 Node 类型，方便观测/按阶段打点。
type Kind string

const (
	KindRecall Kind = "recall" // 召回阶段：生成候选集
	KindFilter Kind = "filter" // 过滤阶段：剔除不可推荐的候选
	KindRank   Kind = "rank"   // 排序阶段：补齐得分并融合
	KindReRank Kind = "rerank" // 重排阶段：已浏览降权、截断
)

// Node 是 Pipeline 的最小可扩展单元。
// 统一采用“输入 items -> 输出 items”的形态，召回生成、过滤截断、重排都用同一个接口。
type Node interface {
	Name() string
	Kind() Kind

	Process(
		ctx context.Context,
		rctx *core.RecommendContext,
		items []*core.Item,
	) ([]*core.Item, error)
}
