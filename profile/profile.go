// Package profile 维护用户的动态兴趣画像。
//
// 画像是一个 CacheStore hash：key 为 profile:dyn:<user>，field 为 interest:<tagID> / skill:<tagID>，
// value 为权重。每次写入刷新 7 天 TTL；衰减以概率方式摊销到写入路径上。
package profile

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pkg/conv"
)

const (
	// DefaultTTL 画像的滚动过期时间
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultMinScore 活跃标签阈值
	DefaultMinScore = 2.0
	// DefaultDecayFactor 每次衰减的乘数
	DefaultDecayFactor = 0.95
	// DefaultFloor 低于该权重的标签被删除
	DefaultFloor = 0.1
	// DefaultDecayProbability 每次事件后触发衰减的概率
	DefaultDecayProbability = 0.1
)

// Options 配置 Store
type Options struct {
	TTL              time.Duration `koanf:"ttl"`
	MinScore         float64       `koanf:"min_score"`
	DecayFactor      float64       `koanf:"decay_factor"`
	Floor            float64       `koanf:"floor"`
	DecayProbability float64       `koanf:"decay_probability"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		TTL:              DefaultTTL,
		MinScore:         DefaultMinScore,
		DecayFactor:      DefaultDecayFactor,
		Floor:            DefaultFloor,
		DecayProbability: DefaultDecayProbability,
	}
}

// Store 是动态画像存储
type Store struct {
	cache core.CacheStore
	opts  Options
	log   zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option 配置 Store 的可选项
type Option func(*Store)

// WithRand 注入随机源，测试用来固定衰减是否触发
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rnd = r }
}

// New 创建动态画像存储
func New(cache core.CacheStore, opts Options, log zerolog.Logger, options ...Option) *Store {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MinScore <= 0 {
		opts.MinScore = def.MinScore
	}
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 {
		opts.DecayFactor = def.DecayFactor
	}
	if opts.Floor <= 0 {
		opts.Floor = def.Floor
	}
	if opts.DecayProbability < 0 {
		opts.DecayProbability = 0
	}
	s := &Store{
		cache: cache,
		opts:  opts,
		log:   log,
		rnd:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Key 返回用户画像的 key
func Key(userID string) string {
	return "profile:dyn:" + userID
}

// Bump 给一个标签加权，并刷新画像 TTL
func (s *Store) Bump(ctx context.Context, userID string, tag core.TagKey, delta float64) error {
	if delta <= 0 {
		return nil
	}
	key := Key(userID)
	if _, err := s.cache.HIncrByFloat(ctx, key, tag.String(), delta); err != nil {
		return err
	}
	return s.cache.Expire(ctx, key, s.opts.TTL)
}

// ApplyEvent 把一次行为事件累加到物品的所有标签上，之后按概率执行一次衰减
func (s *Store) ApplyEvent(ctx context.Context, userID string, info *core.ItemInfo, eventType core.EventType) error {
	if info == nil {
		return nil
	}
	key := Key(userID)
	bumped := 0
	bump := func(kind core.TagKind, ids []int64) error {
		w := eventType.Weight(kind)
		if w <= 0 {
			return nil
		}
		for _, id := range ids {
			if _, err := s.cache.HIncrByFloat(ctx, key, core.TagKey{Kind: kind, ID: id}.String(), w); err != nil {
				return err
			}
			bumped++
		}
		return nil
	}
	if err := bump(core.TagKindInterest, info.InterestTags); err != nil {
		return err
	}
	if err := bump(core.TagKindSkill, info.SkillTags); err != nil {
		return err
	}
	if bumped == 0 {
		return nil
	}
	if err := s.cache.Expire(ctx, key, s.opts.TTL); err != nil {
		return err
	}
	if s.rollDecay() {
		return s.Decay(ctx, userID, s.opts.DecayFactor, s.opts.Floor)
	}
	return nil
}

func (s *Store) rollDecay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.opts.DecayProbability
}

// Decay 对用户画像的所有权重乘以 factor，低于 floor 的标签删除。
//
// 每个字段以增量 w*(factor-1) 通过 HIncrByFloat 原子写回，读取之后到达的加权不会被覆盖；
// 删除使用条件删除，只有写回后的值仍低于 floor 时才生效。无法解析的 field 跳过。
func (s *Store) Decay(ctx context.Context, userID string, factor, floor float64) error {
	key := Key(userID)
	fields, err := s.cache.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	kept, dropped := 0, 0
	for field, raw := range fields {
		w, ok := conv.ToFloat64(raw)
		if !ok {
			s.log.Warn().Str("user_id", userID).Str("field", field).
				Err(core.MalformedInput(core.ModuleProfile, "non-numeric weight")).Msg("skip profile field")
			continue
		}
		next, err := s.cache.HIncrByFloat(ctx, key, field, w*(factor-1))
		if err != nil {
			return err
		}
		if next >= floor {
			kept++
			continue
		}
		removed, err := s.cache.HDelIfBelow(ctx, key, field, floor)
		if err != nil {
			return err
		}
		if removed {
			dropped++
		} else {
			kept++
		}
	}
	s.log.Debug().Str("user_id", userID).Int("kept", kept).Int("dropped", dropped).Msg("profile decayed")
	return nil
}

// GetActiveTags 返回权重不低于 minScore 的标签，按 id 升序。
// minScore <= 0 时使用默认阈值。缓存不可用时返回空标签和 CACHE_UNAVAILABLE 错误。
func (s *Store) GetActiveTags(ctx context.Context, userID string, minScore float64) (core.ActiveTags, error) {
	if minScore <= 0 {
		minScore = s.opts.MinScore
	}
	weights, err := s.Snapshot(ctx, userID)
	if err != nil {
		return core.ActiveTags{}, core.CacheUnavailable(core.ModuleProfile, err, "read dynamic profile")
	}
	var tags core.ActiveTags
	for tag, w := range weights {
		if w < minScore {
			continue
		}
		switch tag.Kind {
		case core.TagKindInterest:
			tags.Interest = append(tags.Interest, tag.ID)
		case core.TagKindSkill:
			tags.Skill = append(tags.Skill, tag.ID)
		}
	}
	slices.Sort(tags.Interest)
	slices.Sort(tags.Skill)
	return tags, nil
}

// Snapshot 返回用户画像的全部权重，跳过格式错误的 field
func (s *Store) Snapshot(ctx context.Context, userID string) (map[core.TagKey]float64, error) {
	fields, err := s.cache.HGetAll(ctx, Key(userID))
	if err != nil {
		return nil, err
	}
	out := make(map[core.TagKey]float64, len(fields))
	for field, raw := range fields {
		tag, err := core.ParseTagKey(field)
		if err != nil {
			s.log.Warn().Str("user_id", userID).Str("field", field).Err(err).Msg("skip profile field")
			continue
		}
		w, ok := conv.ToFloat64(raw)
		if !ok {
			s.log.Warn().Str("user_id", userID).Str("field", field).
				Err(core.MalformedInput(core.ModuleProfile, "non-numeric weight")).Msg("skip profile field")
			continue
		}
		out[tag] = w
	}
	return out, nil
}
