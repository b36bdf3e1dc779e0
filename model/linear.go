package model

import (
	"github.com/rushteam/reqrec/core"
)

// LinearModel 是线性加权融合：score = Bias + sum(Weight_i * Feature_i)。
// 不做 Sigmoid 变换，分数保持与规则得分同一量纲，便于 explain 与软去重的固定差值。
type LinearModel struct {
	Bias    float64
	Weights map[string]float64
}

// NewFusionModel 返回候选生成的融合模型：final = static_score + vector_score * VectorWeight
func NewFusionModel(cfg core.ScoreConfig) *LinearModel {
	return &LinearModel{
		Weights: map[string]float64{
			core.FeatureStaticScore: 1,
			core.FeatureVectorScore: cfg.VectorWeight,
		},
	}
}

func (m *LinearModel) Name() string { return "linear" }

func (m *LinearModel) Predict(features map[string]float64) (float64, error) {
	score := m.Bias
	for k, w := range m.Weights {
		score += w * features[k]
	}
	return score, nil
}
