package candidate

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/history"
	"github.com/rushteam/reqrec/profile"
	"github.com/rushteam/reqrec/store"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(context.Context, string) []float32 { return f.vec }

type brokenIndex struct{ core.VectorIndex }

func (brokenIndex) Search(context.Context, []float32, int) ([]core.ScoredID, error) {
	return nil, core.RemoteUnavailable(core.ModuleVector, errors.New("connection refused"), "search")
}

type fixture struct {
	repo    *store.MemoryRepository
	cache   *store.MemoryStore
	index   *store.MemoryVectorIndex
	history *history.Store
	profile *profile.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache := store.NewMemoryStore(store.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = cache.Close() })
	return &fixture{
		repo:    store.NewMemoryRepository(),
		cache:   cache,
		index:   store.NewMemoryVectorIndex(),
		history: history.New(cache, history.Options{}, func() time.Time { return now }, zerolog.Nop()),
		profile: profile.New(cache, profile.DefaultOptions(), zerolog.Nop()),
	}
}

func (f *fixture) generator(embedder Embedder, index core.VectorIndex) *Generator {
	if index == nil {
		index = f.index
	}
	return New(Deps{
		Users:    f.repo,
		Items:    f.repo,
		Index:    index,
		Embedder: embedder,
		Profiles: f.profile,
		History:  f.history,
		Cache:    f.cache,
	}, DefaultOptions(), zerolog.Nop(), nil, WithClock(func() time.Time { return now }))
}

func TestGenerateWarmExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, SkillTags: []int64{3, 4},
		CreatedAt: now.Add(-24 * time.Hour), ViewCount: 100})
	f.repo.PutItem(core.ItemInfo{ID: 2, Status: core.ItemStatusPublished,
		CreatedAt: now.Add(-40 * 24 * time.Hour), ViewCount: 5})
	f.repo.PutUser(core.UserStaticProfile{UserID: "u1", SkillTagIDs: []int64{3, 4}}, now, now)
	require.NoError(t, f.index.Upsert(ctx, core.VectorDoc{ItemID: 1, Vector: []float32{1, 0}}))

	// 余弦相似度 0.8
	g := f.generator(fixedEmbedder{vec: []float32{0.8, 0.6}}, nil)
	res, err := g.Generate(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, res.ItemIDs)
	assert.InDelta(t, 20+20+math.Log10(101)*2+0.8*50, res.Scores[0], 1e-4)
	assert.InDelta(t, 84.0, res.Scores[0], 0.01)
	assert.InDelta(t, math.Log10(6)*2, res.Scores[1], 1e-9)
	assert.False(t, res.Cold)
	assert.Empty(t, res.Degraded)

	cached, ok := g.Cached(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, cached)
	assert.Equal(t, 10*time.Minute, f.cache.TTL(CacheKey("u1")))
}

func TestGenerateColdStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 10, Status: core.ItemStatusPublished, CreatedAt: now.Add(-30 * 24 * time.Hour), ViewCount: 1000})
	f.repo.PutItem(core.ItemInfo{ID: 11, Status: core.ItemStatusPublished, CreatedAt: now.Add(-5 * 24 * time.Hour), ViewCount: 0})
	f.repo.PutItem(core.ItemInfo{ID: 12, Status: core.ItemStatusPublished, CreatedAt: now.Add(-1 * time.Hour), ViewCount: 3})
	f.repo.PutItem(core.ItemInfo{ID: 13, Status: core.ItemStatusPublished, CreatedAt: now.Add(-2 * time.Hour), ViewCount: 3})
	require.NoError(t, f.index.Upsert(ctx, core.VectorDoc{ItemID: 10, Vector: []float32{1, 0}}))

	g := f.generator(fixedEmbedder{vec: []float32{1, 0}}, nil)
	first, err := g.Generate(ctx, "newbie")
	require.NoError(t, err)
	assert.True(t, first.Cold)
	assert.Empty(t, first.Degraded, "没有查询向量时语义召回跳过，不算降级")
	assert.Equal(t, []int64{12, 13, 11, 10}, first.ItemIDs)
	assert.InDelta(t, 50+math.Log10(4)*5, first.Scores[0], 1e-9)
	assert.InDelta(t, 20.0, first.Scores[2], 1e-9)
	assert.InDelta(t, math.Log10(1001)*5, first.Scores[3], 1e-9)

	second, err := g.Generate(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, first.ItemIDs, second.ItemIDs)
	assert.Equal(t, first.Scores, second.Scores)
}

func TestSeenPenaltyDifferenceIsExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, InterestTags: []int64{8}, CreatedAt: now, ViewCount: 7})
	f.repo.PutItem(core.ItemInfo{ID: 2, Status: core.ItemStatusPublished, CreatedAt: now.Add(-10 * 24 * time.Hour)})
	f.repo.PutUser(core.UserStaticProfile{UserID: "u1", InterestTagIDs: []int64{8}}, now, now)

	g := f.generator(nil, nil)
	before, err := g.Generate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), before.ItemIDs[0])

	require.NoError(t, f.history.Record(ctx, "u1", 1, core.DefaultItemType, time.Time{}))
	after, err := g.Generate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, after.ItemIDs, "看过的物品沉底但不移除")
	assert.Equal(t, before.Scores[0]-1000, after.Scores[1])
}

func TestResultBoundedAndSorted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 350; id++ {
		f.repo.PutItem(core.ItemInfo{
			ID:        id,
			Status:    core.ItemStatusPublished,
			SkillTags: []int64{id % 4},
			CreatedAt: now.Add(-time.Duration(id%10) * 24 * time.Hour),
			ViewCount: id % 37,
		})
	}
	f.repo.PutUser(core.UserStaticProfile{UserID: "u1", SkillTagIDs: []int64{1}}, now, now)
	for id := int64(1); id <= 20; id++ {
		require.NoError(t, f.history.Record(ctx, "u1", id, core.DefaultItemType, time.Time{}))
	}

	res, err := f.generator(nil, nil).Generate(ctx, "u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.ItemIDs), 300)
	for i := 1; i < len(res.Scores); i++ {
		require.GreaterOrEqual(t, res.Scores[i-1], res.Scores[i])
		if res.Scores[i-1] == res.Scores[i] {
			require.Less(t, res.ItemIDs[i-1], res.ItemIDs[i])
		}
	}
}

func TestSemanticFailureDegradesToRuleOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, CreatedAt: now})
	f.repo.PutUser(core.UserStaticProfile{UserID: "u1", SkillTagIDs: []int64{1}}, now, now)

	g := f.generator(fixedEmbedder{vec: []float32{1, 0}}, brokenIndex{f.index})
	res, err := g.Generate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.ItemIDs)
	assert.Equal(t, []string{"semantic"}, res.Degraded)
}

func TestProfileCacheDownFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, CreatedAt: now})
	f.cache.SetUnavailable(true)

	res, err := f.generator(nil, nil).Generate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.ItemIDs)
	assert.Contains(t, res.Degraded, "profile")
	assert.Contains(t, res.Degraded, "history")
}

func TestRuleFailureKeepsPreviousCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, CreatedAt: now})
	g := f.generator(nil, nil)

	_, err := g.Generate(ctx, "u1")
	require.NoError(t, err)

	f.repo.FailListing(errors.New("db down"))
	_, err = g.Generate(ctx, "u1")
	require.Error(t, err)

	cached, ok := g.Cached(ctx, "u1")
	require.True(t, ok, "失败不清除已有缓存")
	assert.Equal(t, []int64{1}, cached)
	assert.Equal(t, []int64{1}, g.GetCandidates(ctx, "u1"))

	// 缓存过期后返回本进程最近一次成功结果
	require.NoError(t, f.cache.Delete(ctx, CacheKey("u1")))
	assert.Equal(t, []int64{1}, g.GetCandidates(ctx, "u1"))

	// 从未成功过的用户得到空列表
	assert.Equal(t, []int64{}, g.GetCandidates(ctx, "u2"))
}

func TestBlend(t *testing.T) {
	assert.Nil(t, blend(nil, nil, 0.3, 0.7))
	assert.Equal(t, []float32{1, 2}, blend(nil, []float32{1, 2}, 0.3, 0.7))
	assert.Equal(t, []float32{1, 2}, blend([]float32{1, 2}, nil, 0.3, 0.7))
	assert.Equal(t, []float32{5, 6}, blend([]float32{1, 2, 3}, []float32{5, 6}, 0.3, 0.7), "维度不一致只用动态向量")

	got := blend([]float32{1, 0}, []float32{0, 1}, 0.3, 0.7)
	assert.InDelta(t, 0.3, got[0], 1e-6)
	assert.InDelta(t, 0.7, got[1], 1e-6)

	assert.Equal(t, []float32{2, 3}, average([][]float32{{1, 2}, {3, 4}, {9}}))
}

func TestSemanticBackfillDropsIneligibleWithoutExplicitFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusClosed, CreatedAt: now})
	f.repo.PutItem(core.ItemInfo{ID: 2, Status: core.ItemStatusPublished, CreatedAt: now})
	require.NoError(t, f.index.Upsert(ctx, core.VectorDoc{ItemID: 1, Vector: []float32{1, 0}}))
	f.repo.PutUser(core.UserStaticProfile{UserID: "u1", SkillTagIDs: []int64{1}}, now, now)

	res, err := f.generator(fixedEmbedder{vec: []float32{1, 0}}, nil).Generate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.ItemIDs, "语义召回补全的已关闭物品不进入结果")
}

// listingRepo 在 ListEligible 被调用时关闭 listed
type listingRepo struct {
	*store.MemoryRepository
	once   sync.Once
	listed chan struct{}
}

func (r *listingRepo) ListEligible(ctx context.Context) ([]*core.ItemInfo, error) {
	r.once.Do(func() { close(r.listed) })
	return r.MemoryRepository.ListEligible(ctx)
}

// waitingIndex 的 FetchVectors 等到规则查询开始后才返回
type waitingIndex struct {
	*store.MemoryVectorIndex
	listed <-chan struct{}
}

func (w waitingIndex) FetchVectors(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	select {
	case <-w.listed:
		return w.MemoryVectorIndex.FetchVectors(ctx, ids)
	case <-time.After(2 * time.Second):
		return nil, core.RemoteUnavailable(core.ModuleVector, errors.New("timeout"), "fetch vectors")
	}
}

func TestRuleListingRunsWithVectorFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished, CreatedAt: now})
	require.NoError(t, f.index.Upsert(ctx, core.VectorDoc{ItemID: 1, Vector: []float32{1, 0}}))
	require.NoError(t, f.history.Record(ctx, "u1", 1, core.DefaultItemType, now))

	repo := &listingRepo{MemoryRepository: f.repo, listed: make(chan struct{})}
	g := New(Deps{
		Users:    repo,
		Items:    repo,
		Index:    waitingIndex{MemoryVectorIndex: f.index, listed: repo.listed},
		Profiles: f.profile,
		History:  f.history,
		Cache:    f.cache,
	}, DefaultOptions(), zerolog.Nop(), nil, WithClock(func() time.Time { return now }))

	res, err := g.Generate(ctx, "u1")
	require.NoError(t, err)
	assert.NotContains(t, res.Degraded, "recent_vectors", "最近浏览向量读取不应等待规则查询")
	assert.Equal(t, []int64{1}, res.ItemIDs)
}
