package core

import (
	"time"

	"github.com/rushteam/reqrec/pkg/utils"
)

// Item 是推荐链路中的统一承载结构：特征、分数、元信息、标签。
// Labels 用于解释与策略驱动；Score 用于排序决策。
//
// 候选生成中使用的特征 key 见 Feature* 常量。
type Item struct {
	ID       int64
	Score    float64
	Features map[string]float64
	Meta     map[string]any
	Labels   map[string]utils.Label
}

// 候选生成写入 Item.Features 的 key
const (
	FeatureStaticScore = "static_score" // 规则召回得分
	FeatureVectorScore = "vector_score" // 语义召回相似度
	FeatureSeenPenalty = "seen_penalty" // 已浏览降权
)

// MetaInfo 是 Item.Meta 中保存 *ItemInfo 的 key
const MetaInfo = "info"

func NewItem(id int64) *Item {
	return &Item{
		ID:       id,
		Score:    0,
		Features: make(map[string]float64),
		Meta:     make(map[string]any),
		Labels:   make(map[string]utils.Label),
	}
}

// PutLabel 写入 Label；若已存在同名 key，则按默认 Merge 规则累积。
func (it *Item) PutLabel(key string, lbl utils.Label) {
	if it.Labels == nil {
		it.Labels = make(map[string]utils.Label)
	}
	if old, ok := it.Labels[key]; ok {
		it.Labels[key] = utils.MergeLabel(old, lbl)
		return
	}
	it.Labels[key] = lbl
}

// Info 返回召回阶段挂载的物品属性，没有时返回 nil。
func (it *Item) Info() *ItemInfo {
	if it.Meta == nil {
		return nil
	}
	info, _ := it.Meta[MetaInfo].(*ItemInfo)
	return info
}

// ItemStatus 是物品（需求）的生命周期状态
type ItemStatus string

const (
	ItemStatusDraft      ItemStatus = "draft"
	ItemStatusPublished  ItemStatus = "published"
	ItemStatusRecruiting ItemStatus = "recruiting"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusClosed     ItemStatus = "closed"
	ItemStatusArchived   ItemStatus = "archived"
)

// DefaultEligibleStatuses 是默认的可推荐状态集合
var DefaultEligibleStatuses = []ItemStatus{
	ItemStatusPublished,
	ItemStatusRecruiting,
	ItemStatusInProgress,
}

// ItemInfo 是物品在关系库中的只读快照。
// ViewCount 为持久化值，展示时需要叠加缓冲区中的待刷写增量。
type ItemInfo struct {
	ID           int64
	Title        string
	Body         string
	InterestTags []int64
	SkillTags    []int64
	CreatedAt    time.Time
	ViewCount    int64
	Status       ItemStatus
}

// Text 返回用于生成物品向量的文本
func (i *ItemInfo) Text() string {
	if i.Body == "" {
		return i.Title
	}
	if i.Title == "" {
		return i.Body
	}
	return i.Title + "\n" + i.Body
}
