package rank

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/recall"
	"github.com/rushteam/reqrec/store"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type failingRepo struct{ *store.MemoryRepository }

func (failingRepo) GetItems(context.Context, []int64) (map[int64]*core.ItemInfo, error) {
	return nil, errors.New("timeout")
}

func TestFusionBackfillsSemanticOnlyItems(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, SkillTags: []int64{3, 4},
		CreatedAt: now.Add(-24 * time.Hour), ViewCount: 100})

	a := core.NewItem(1)
	a.Features[core.FeatureVectorScore] = 0.8
	gone := core.NewItem(99)
	gone.Features[core.FeatureVectorScore] = 0.9

	n := &FusionNode{Repo: repo, Config: core.DefaultScoreConfig(), Log: zerolog.Nop()}
	rctx := &core.RecommendContext{Tags: core.ActiveTags{Skill: []int64{3, 4}}, Now: now}
	out, err := n.Process(context.Background(), rctx, []*core.Item{a, gone})
	require.NoError(t, err)
	require.Len(t, out, 1, "仓储中不存在的物品被丢弃")

	static := 20 + 20 + math.Log10(101)*2
	assert.InDelta(t, static, out[0].Features[core.FeatureStaticScore], 1e-9)
	assert.InDelta(t, static+40, out[0].Score, 1e-9)
	assert.NotNil(t, out[0].Info())
}

func TestFusionBackfillFailureKeepsRuleItems(t *testing.T) {
	info := &core.ItemInfo{ID: 2, Status: core.ItemStatusPublished}
	ruleItem := core.NewItem(2)
	ruleItem.Meta[core.MetaInfo] = info
	ruleItem.Features[core.FeatureStaticScore] = 1.5
	semOnly := core.NewItem(3)
	semOnly.Features[core.FeatureVectorScore] = 0.5

	n := &FusionNode{Repo: failingRepo{store.NewMemoryRepository()}, Config: core.DefaultScoreConfig(), Log: zerolog.Nop()}
	rctx := &core.RecommendContext{Now: now}
	out, err := n.Process(context.Background(), rctx, []*core.Item{ruleItem, semOnly})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1.5, out[0].Score)
	assert.Equal(t, []string{"backfill"}, recall.Degraded(rctx))
}
