package core

import (
	"math"
	"slices"
	"time"
)

// ScoreConfig 是候选生成的打分参数，DefaultScoreConfig 给出默认值。
//
// 规则召回公式：
//
//	有标签（warm）: skill_match*SkillWeight + interest_match*InterestWeight
//	               + freshness(WarmFresh3d / WarmFresh7d / 0) + log10(views+1)*WarmPopularity
//	无标签（cold）: freshness(ColdFresh3d / ColdFresh7d / 0) + log10(views+1)*ColdPopularity
//
// 融合：final = static + vector*VectorWeight，已浏览物品再减去 SeenPenalty。
type ScoreConfig struct {
	SkillWeight    float64 `koanf:"skill_weight"`
	InterestWeight float64 `koanf:"interest_weight"`

	WarmFresh3d    float64 `koanf:"warm_fresh_3d"`
	WarmFresh7d    float64 `koanf:"warm_fresh_7d"`
	WarmPopularity float64 `koanf:"warm_popularity"`

	ColdFresh3d    float64 `koanf:"cold_fresh_3d"`
	ColdFresh7d    float64 `koanf:"cold_fresh_7d"`
	ColdPopularity float64 `koanf:"cold_popularity"`

	VectorWeight float64 `koanf:"vector_weight"`
	SeenPenalty  float64 `koanf:"seen_penalty"`

	// StaticBlend / DynamicBlend 查询向量融合权重
	StaticBlend  float64 `koanf:"static_blend"`
	DynamicBlend float64 `koanf:"dynamic_blend"`

	RecallTopK    int `koanf:"recall_top_k"`    // 每条召回路径保留数量
	ResultLimit   int `koanf:"result_limit"`    // 最终结果数量
	RecentVectors int `koanf:"recent_vectors"` // 动态向量取最近浏览数
}

// DefaultScoreConfig 返回默认打分参数
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		SkillWeight:    10,
		InterestWeight: 5,
		WarmFresh3d:    20,
		WarmFresh7d:    10,
		WarmPopularity: 2,
		ColdFresh3d:    50,
		ColdFresh7d:    20,
		ColdPopularity: 5,
		VectorWeight:   50,
		SeenPenalty:    1000,
		StaticBlend:    0.3,
		DynamicBlend:   0.7,
		RecallTopK:     200,
		ResultLimit:    300,
		RecentVectors:  5,
	}
}

// Freshness 返回新鲜度分桶得分（3 天内 / 7 天内 / 更早）
func (c ScoreConfig) Freshness(createdAt, now time.Time, cold bool) float64 {
	age := now.Sub(createdAt)
	fresh3, fresh7 := c.WarmFresh3d, c.WarmFresh7d
	if cold {
		fresh3, fresh7 = c.ColdFresh3d, c.ColdFresh7d
	}
	switch {
	case age <= 3*24*time.Hour:
		return fresh3
	case age <= 7*24*time.Hour:
		return fresh7
	default:
		return 0
	}
}

// Popularity 返回 log10(views+1) * 系数
func (c ScoreConfig) Popularity(views int64, cold bool) float64 {
	if views < 0 {
		views = 0
	}
	w := c.WarmPopularity
	if cold {
		w = c.ColdPopularity
	}
	return math.Log10(float64(views)+1) * w
}

// StaticScore 计算物品的规则得分。tags 为空时使用冷启动公式。
// tags 中的 id 须已排序（ActiveTags.Union 的结果满足）。
func (c ScoreConfig) StaticScore(info *ItemInfo, tags ActiveTags, now time.Time) float64 {
	if info == nil {
		return 0
	}
	cold := tags.IsEmpty()
	score := c.Freshness(info.CreatedAt, now, cold) + c.Popularity(info.ViewCount, cold)
	if cold {
		return score
	}
	return score +
		float64(countMatches(info.SkillTags, tags.Skill))*c.SkillWeight +
		float64(countMatches(info.InterestTags, tags.Interest))*c.InterestWeight
}

// countMatches 统计 ids 中出现在有序切片 sorted 里的不同元素个数
func countMatches(ids, sorted []int64) int {
	if len(ids) == 0 || len(sorted) == 0 {
		return 0
	}
	n := 0
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := slices.BinarySearch(sorted, id); ok {
			n++
		}
	}
	return n
}
