// Package history 记录用户最近浏览过的物品，用于“最近浏览”展示与软去重。
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pkg/conv"
)

const (
	// MaxHistorySize 每个 (用户, 类型) 最多保留的记录数
	MaxHistorySize = 1000
	// DefaultTTL 浏览历史过期时间
	DefaultTTL = 90 * 24 * time.Hour
)

// Options 配置 Store
type Options struct {
	MaxSize int           `koanf:"max_size"`
	TTL     time.Duration `koanf:"ttl"`
}

// Store 基于 CacheStore 有序集合的浏览历史，score 为毫秒时间戳。
// 重复浏览只更新时间戳，不会产生重复记录。
type Store struct {
	cache core.CacheStore
	opts  Options
	now   func() time.Time
	log   zerolog.Logger
}

// New 创建浏览历史存储，now 为 nil 时使用 time.Now
func New(cache core.CacheStore, opts Options, now func() time.Time, log zerolog.Logger) *Store {
	if opts.MaxSize <= 0 {
		opts.MaxSize = MaxHistorySize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Store{cache: cache, opts: opts, now: now, log: log}
}

// Key 返回浏览历史的 key
func Key(itemType, userID string) string {
	if itemType == "" {
		itemType = core.DefaultItemType
	}
	return "history:" + itemType + ":" + userID
}

// Record 记录一次浏览：以浏览发生时间 at 为分值写入、裁剪最旧的记录、刷新 TTL。
// at 为零值时使用当前时间。
func (s *Store) Record(ctx context.Context, userID string, itemID int64, itemType string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	key := Key(itemType, userID)
	if err := s.cache.ZAdd(ctx, key, float64(at.UnixMilli()), conv.FormatID(itemID)); err != nil {
		return err
	}
	if err := s.cache.ZRemRangeByRank(ctx, key, 0, -int64(s.opts.MaxSize+1)); err != nil {
		return err
	}
	return s.cache.Expire(ctx, key, s.opts.TTL)
}

// Recent 返回最近浏览的物品，最新的在前
func (s *Store) Recent(ctx context.Context, userID, itemType string, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := s.cache.ZRevRange(ctx, Key(itemType, userID), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	return s.parse(userID, members), nil
}

// AllIDs 返回全部浏览过的物品集合
func (s *Store) AllIDs(ctx context.Context, userID, itemType string) (map[int64]struct{}, error) {
	members, err := s.cache.ZRevRange(ctx, Key(itemType, userID), 0, -1)
	if err != nil {
		return nil, err
	}
	ids := s.parse(userID, members)
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) parse(userID string, members []string) []int64 {
	ids, skipped := conv.ParseIDs(members)
	if len(skipped) > 0 {
		s.log.Warn().Str("user_id", userID).Strs("members", skipped).Msg("skip malformed history members")
	}
	return ids
}
