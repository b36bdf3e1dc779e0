// Package candidate 为单个用户生成推荐候选列表。
//
// 流程：
//  1. 并发读取静态画像、动态活跃标签、最近浏览物品向量、全部浏览历史
//  2. 查询向量 = 0.3 * 静态画像向量 + 0.7 * 最近浏览向量均值（只有一个时直接用它）
//  3. 语义召回（可降级）与规则召回（必需）并发执行，按 id 合并
//  4. 补算语义召回物品的规则得分，final = static + vector*50
//  5. 已浏览物品 final -= 1000，排序（同分 id 升序）并截断到 300
//  6. 结果写入 cand:<user>，10 分钟过期
//
// 语义召回失败只降级；规则召回失败则本次生成失败，已有缓存保持不变。
package candidate

import (
	"context"
	"slices"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/filter"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/model"
	"github.com/rushteam/reqrec/pipeline"
	"github.com/rushteam/reqrec/pkg/utils"
	"github.com/rushteam/reqrec/rank"
	"github.com/rushteam/reqrec/recall"
	"github.com/rushteam/reqrec/rerank"
)

// Embedder 把文本转成向量，失败返回空向量
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// TagReader 读取用户动态画像的活跃标签
type TagReader interface {
	GetActiveTags(ctx context.Context, userID string, minScore float64) (core.ActiveTags, error)
}

// HistoryReader 读取用户浏览历史
type HistoryReader interface {
	Recent(ctx context.Context, userID, itemType string, limit int) ([]int64, error)
	AllIDs(ctx context.Context, userID, itemType string) (map[int64]struct{}, error)
}

// Deps 是 Generator 的依赖
type Deps struct {
	Users    core.UserRepository
	Items    core.ItemRepository
	Index    core.VectorIndex
	Embedder Embedder
	Profiles TagReader
	History  HistoryReader
	Cache    core.CacheStore
	// Filter 可选，为 nil 时使用默认可推荐状态、不带规则表达式
	Filter *filter.EligibilityFilter
}

// Options 配置 Generator
type Options struct {
	Score         core.ScoreConfig `koanf:"score"`
	CacheTTL      time.Duration    `koanf:"cache_ttl"`
	RecallTimeout time.Duration    `koanf:"recall_timeout"`
	MinTagScore   float64          `koanf:"min_tag_score"`
	// FallbackSize 进程内保留最近一次成功结果的用户数，生成失败且缓存过期时使用
	FallbackSize int `koanf:"fallback_size"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Score:         core.DefaultScoreConfig(),
		CacheTTL:      10 * time.Minute,
		RecallTimeout: 3 * time.Second,
		MinTagScore:   2.0,
		FallbackSize:  10000,
	}
}

// Result 是一次生成的结果
type Result struct {
	UserID      string    `json:"user_id"`
	ItemIDs     []int64   `json:"item_ids"`
	Scores      []float64 `json:"scores"`
	Degraded    []string  `json:"degraded,omitempty"`
	Cold        bool      `json:"cold"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generator 是候选生成器，并发安全，不同用户的生成互不影响
type Generator struct {
	deps     Deps
	opts     Options
	pipeline *pipeline.Pipeline
	lastGood *lru.Cache[string, []int64]
	now      func() time.Time
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// Option 配置 Generator 的可选项
type Option func(*Generator)

// WithClock 注入时钟（新鲜度分桶）
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New 创建候选生成器
func New(deps Deps, opts Options, log zerolog.Logger, m *metrics.Metrics, options ...Option) *Generator {
	def := DefaultOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.MinTagScore <= 0 {
		opts.MinTagScore = def.MinTagScore
	}
	if opts.FallbackSize <= 0 {
		opts.FallbackSize = def.FallbackSize
	}
	if opts.Score.ResultLimit <= 0 {
		opts.Score.ResultLimit = def.Score.ResultLimit
	}
	if opts.Score.RecentVectors <= 0 {
		opts.Score.RecentVectors = def.Score.RecentVectors
	}
	lastGood, _ := lru.New[string, []int64](opts.FallbackSize)
	if deps.Filter == nil {
		// 空表达式总能编译
		deps.Filter, _ = filter.NewEligibilityFilter(nil, "", log)
	}

	g := &Generator{
		deps:     deps,
		opts:     opts,
		lastGood: lastGood,
		now:      time.Now,
		log:      log,
		metrics:  m,
	}
	for _, o := range options {
		o(g)
	}

	rule := &recall.RuleSource{Repo: deps.Items, Config: opts.Score, Filter: deps.Filter}
	nodes := []pipeline.Node{
		&recall.Fanout{
			Required: []recall.Source{rule},
			Optional: []recall.Source{&recall.SemanticSource{Index: deps.Index, TopK: opts.Score.RecallTopK}},
			Timeout:  opts.RecallTimeout,
			Log:      log,
			Metrics:  m,
		},
		&rank.FusionNode{
			Repo:    deps.Items,
			Config:  opts.Score,
			Model:   model.NewFusionModel(opts.Score),
			Log:     log,
			Metrics: m,
		},
		&filter.FilterNode{Filters: []filter.Filter{deps.Filter}, Log: log},
		&rerank.SeenPenaltyNode{Penalty: opts.Score.SeenPenalty},
		&rerank.TopNNode{N: opts.Score.ResultLimit},
	}
	g.pipeline = &pipeline.Pipeline{Nodes: nodes, Log: log}
	return g
}

// CacheKey 返回候选结果缓存 key
func CacheKey(userID string) string {
	return "cand:" + userID
}

// Generate 为用户生成候选并写入缓存。
// 返回错误时（规则召回或静态画像读取失败）不修改已有缓存。
func (g *Generator) Generate(ctx context.Context, userID string) (*Result, error) {
	start := time.Now()
	rctx, err := g.buildContext(ctx, userID)
	if err != nil {
		g.fail(userID, start, err)
		return nil, err
	}

	items, err := g.pipeline.Run(ctx, rctx, nil)
	if err != nil {
		g.fail(userID, start, err)
		return nil, err
	}

	res := &Result{
		UserID:      userID,
		ItemIDs:     make([]int64, len(items)),
		Scores:      make([]float64, len(items)),
		Degraded:    recall.Degraded(rctx),
		Cold:        rctx.Cold(),
		GeneratedAt: rctx.Now,
	}
	for i, it := range items {
		res.ItemIDs[i] = it.ID
		res.Scores[i] = it.Score
	}
	g.store(ctx, res)

	outcome := "ok"
	if len(res.Degraded) > 0 {
		outcome = "degraded"
	}
	g.metrics.ObserveGeneration(time.Since(start), outcome)
	g.log.Info().
		Str("user_id", userID).
		Int("candidates", len(res.ItemIDs)).
		Bool("cold", res.Cold).
		Strs("degraded", res.Degraded).
		Dur("took", time.Since(start)).
		Msg("candidates generated")
	return res, nil
}

func (g *Generator) fail(userID string, start time.Time, err error) {
	g.metrics.ObserveGeneration(time.Since(start), "error")
	g.log.Error().Err(err).Str("user_id", userID).Msg("candidate generation failed, keeping previous cache")
}

// buildContext 并发读取画像、标签、浏览历史与最近浏览向量
func (g *Generator) buildContext(ctx context.Context, userID string) (*core.RecommendContext, error) {
	var (
		static     *core.UserStaticProfile
		staticVec  []float32
		dynamic    core.ActiveTags
		dynamicVec []float32
		seen       map[int64]struct{}
		eligible   []*core.ItemInfo
		degraded   = make([]string, 3)
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		p, err := g.deps.Users.GetStaticProfile(egCtx, userID)
		if err != nil {
			return core.WrapError(core.ModuleCandidate, core.ErrorCodeUnavailable, err, "load static profile %s", userID)
		}
		static = p
		if !p.IsEmpty() && g.deps.Embedder != nil {
			staticVec = g.deps.Embedder.Embed(egCtx, p.Text())
		}
		return nil
	})
	eg.Go(func() error {
		tags, err := g.deps.Profiles.GetActiveTags(egCtx, userID, g.opts.MinTagScore)
		if err != nil {
			// 动态画像读不到时按空标签处理
			g.log.Warn().Err(err).Str("user_id", userID).Str("degraded", "profile").Msg("dynamic profile unavailable")
			degraded[0] = "profile"
			return nil
		}
		dynamic = tags
		return nil
	})
	eg.Go(func() error {
		vec, err := g.recentVector(egCtx, userID)
		if err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Str("degraded", "recent_vectors").Msg("recent view vectors unavailable")
			degraded[1] = "recent_vectors"
			return nil
		}
		dynamicVec = vec
		return nil
	})
	eg.Go(func() error {
		ids, err := g.deps.History.AllIDs(egCtx, userID, core.DefaultItemType)
		if err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Str("degraded", "history").Msg("view history unavailable")
			degraded[2] = "history"
			return nil
		}
		seen = ids
		return nil
	})
	// 规则召回的全量查询与向量读取并发进行，失败即本次生成失败
	eg.Go(func() error {
		infos, err := g.deps.Items.ListEligible(egCtx)
		if err != nil {
			return core.WrapError(core.ModuleCandidate, core.ErrorCodeUnavailable, err, "list eligible items")
		}
		if infos == nil {
			infos = []*core.ItemInfo{}
		}
		eligible = infos
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rctx := &core.RecommendContext{
		UserID:      userID,
		Static:      static,
		Tags:        static.StaticTags().Union(dynamic),
		Seen:        seen,
		QueryVector: blend(staticVec, dynamicVec, g.opts.Score.StaticBlend, g.opts.Score.DynamicBlend),
		Now:         g.now(),
		Eligible:    eligible,
	}
	for _, d := range degraded {
		if d != "" {
			g.metrics.Degrade(d)
			rctx.PutLabel(recall.LabelDegraded, utils.Label{Value: d, Source: "candidate"})
		}
	}
	if rctx.Cold() {
		rctx.PutLabel("cold_start", utils.Label{Value: "true", Source: "candidate"})
	}
	return rctx, nil
}

// recentVector 返回最近浏览物品向量的均值，没有历史或向量时返回 nil
func (g *Generator) recentVector(ctx context.Context, userID string) ([]float32, error) {
	ids, err := g.deps.History.Recent(ctx, userID, core.DefaultItemType, g.opts.Score.RecentVectors)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	vecs, err := g.deps.Index.FetchVectors(ctx, ids)
	if err != nil {
		return nil, err
	}
	ordered := make([][]float32, 0, len(ids))
	for _, id := range ids {
		if v, ok := vecs[id]; ok {
			ordered = append(ordered, v)
		}
	}
	return average(ordered), nil
}

// average 按第一个非空向量的维度求均值，维度不同的向量跳过
func average(vecs [][]float32) []float32 {
	var (
		sum []float64
		n   int
	)
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, s := range sum {
		out[i] = float32(s / float64(n))
	}
	return out
}

// blend 融合静态与动态向量；维度不一致时只用动态向量
func blend(static, dynamic []float32, ws, wd float64) []float32 {
	switch {
	case len(static) == 0 && len(dynamic) == 0:
		return nil
	case len(static) == 0:
		return slices.Clone(dynamic)
	case len(dynamic) == 0:
		return slices.Clone(static)
	case len(static) != len(dynamic):
		return slices.Clone(dynamic)
	}
	out := make([]float32, len(static))
	for i := range out {
		out[i] = float32(ws*float64(static[i]) + wd*float64(dynamic[i]))
	}
	return out
}

func (g *Generator) store(ctx context.Context, res *Result) {
	g.lastGood.Add(res.UserID, slices.Clone(res.ItemIDs))
	if g.deps.Cache == nil {
		return
	}
	raw, err := json.Marshal(res.ItemIDs)
	if err != nil {
		return
	}
	if err := g.deps.Cache.Set(ctx, CacheKey(res.UserID), raw, g.opts.CacheTTL); err != nil {
		g.log.Warn().Err(err).Str("user_id", res.UserID).Msg("write candidate cache failed")
	}
}

// Cached 读取缓存的候选列表
func (g *Generator) Cached(ctx context.Context, userID string) ([]int64, bool) {
	if g.deps.Cache == nil {
		return nil, false
	}
	raw, err := g.deps.Cache.Get(ctx, CacheKey(userID))
	if err != nil {
		if !core.IsStoreNotFound(err) {
			g.log.Warn().Err(err).Str("user_id", userID).Msg("read candidate cache failed")
		}
		return nil, false
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		g.log.Warn().Err(core.MalformedInput(core.ModuleCandidate, err.Error())).Str("user_id", userID).
			Msg("candidate cache entry malformed")
		return nil, false
	}
	return ids, true
}

// GetCandidates 返回用户的候选列表，不返回错误：
// 缓存命中直接返回；未命中则同步生成；生成失败返回本进程最近一次成功结果，都没有时返回空列表。
func (g *Generator) GetCandidates(ctx context.Context, userID string) []int64 {
	if ids, ok := g.Cached(ctx, userID); ok {
		return ids
	}
	res, err := g.Generate(ctx, userID)
	if err == nil {
		return res.ItemIDs
	}
	if ids, ok := g.lastGood.Get(userID); ok {
		g.log.Info().Str("user_id", userID).Int("candidates", len(ids)).Msg("serving last good candidates")
		return slices.Clone(ids)
	}
	return []int64{}
}
