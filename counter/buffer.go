// Package counter 实现浏览量的缓冲计数。
//
// 设计原则：
//   - 写入只做一次原子 +1，不读改写
//   - 定时刷写：读取待刷写量 n，持久化 view_count += n，再原子地把计数器减 n
//   - 减去读到的精确值而不是删除，刷写期间新到的增量保留到下一轮
//   - 展示时合并：持久化值 + 待刷写值
//
// 使用场景：
//   - 需求列表/详情的浏览量展示
//   - 热度打分中的 log10(views+1)
package counter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/pkg/conv"
)

// KeyPrefix 待刷写计数器的 key 前缀
const KeyPrefix = "views:pending:"

// Key 返回物品的待刷写计数器 key
func Key(itemID int64) string {
	return KeyPrefix + conv.FormatID(itemID)
}

// FlushStats 是一次刷写的结果
type FlushStats struct {
	// Flushed 已持久化并扣减的物品数
	Flushed int
	// Requeued 持久化失败、留待下一轮的物品数
	Requeued int
	// Lost 降级删除模式下估算丢失的浏览次数
	Lost int64
	// Owed 已持久化但计数器扣减失败、挂账待补扣的物品数
	Owed int
}

// Buffer 是浏览量缓冲计数器
type Buffer struct {
	cache   core.CacheStore
	repo    core.ItemRepository
	log     zerolog.Logger
	metrics *metrics.Metrics

	// deleteMode 后端不支持原子递减时置为 true
	deleteMode atomic.Bool

	// owed 已持久化但尚未从计数器扣掉的量，key -> n
	owedMu sync.Mutex
	owed   map[string]int64
}

// NewBuffer 创建缓冲计数器
func NewBuffer(cache core.CacheStore, repo core.ItemRepository, log zerolog.Logger, m *metrics.Metrics) *Buffer {
	return &Buffer{cache: cache, repo: repo, log: log, metrics: m, owed: make(map[string]int64)}
}

// Increment 记录一次浏览。缓存不可用时直接写持久层。
func (b *Buffer) Increment(ctx context.Context, itemID int64) error {
	_, err := b.cache.IncrBy(ctx, Key(itemID), 1)
	if err == nil {
		return nil
	}
	if !core.IsCacheUnavailable(err) {
		return err
	}
	b.metrics.Degrade("counter_direct_write")
	b.log.Warn().Err(err).Int64("item_id", itemID).Str("degraded", "counter_direct_write").
		Msg("view counter cache unavailable, writing through")
	return b.repo.AddViewCount(ctx, itemID, 1)
}

// Degraded 是否处于降级删除模式
func (b *Buffer) Degraded() bool {
	return b.deleteMode.Load()
}

// FlushAll 把所有待刷写计数持久化。
// 只在两个 key 之间检查 ctx，单个 key 的“持久化 + 扣减”要么完整执行，要么不开始。
func (b *Buffer) FlushAll(ctx context.Context) (FlushStats, error) {
	var stats FlushStats
	keys, err := b.cache.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			b.log.Info().Int("flushed", stats.Flushed).Int("remaining", len(keys)-stats.Flushed-stats.Requeued).
				Msg("view counter flush interrupted")
			return stats, err
		}
		b.flushKey(context.WithoutCancel(ctx), key, &stats)
	}
	b.metrics.Flush("flushed", stats.Flushed)
	b.metrics.Flush("requeued", stats.Requeued)
	b.metrics.Flush("lost", int(stats.Lost))
	if stats.Flushed > 0 || stats.Requeued > 0 {
		b.log.Info().Int("flushed", stats.Flushed).Int("requeued", stats.Requeued).Int64("lost", stats.Lost).
			Msg("view counters flushed")
	}
	return stats, nil
}

// flushKey 处理单个计数器。开始后不再受调用方取消影响。
func (b *Buffer) flushKey(ctx context.Context, key string, stats *FlushStats) {
	itemID, ok := conv.ToInt64(strings.TrimPrefix(key, KeyPrefix))
	if !ok {
		b.log.Warn().Str("key", key).Msg("skip malformed view counter key")
		return
	}
	// 先补扣上一轮挂账的量，补扣失败前不再持久化该 key，避免重复计数
	if !b.settleOwed(ctx, key) {
		stats.Requeued++
		return
	}
	n, found := b.readPending(ctx, key)
	if !found || n <= 0 {
		return
	}

	if err := b.persist(ctx, itemID, n); err != nil {
		stats.Requeued++
		b.log.Warn().Err(err).Int64("item_id", itemID).Int64("pending", n).Msg("view count persist failed, requeued")
		return
	}

	if !b.deleteMode.Load() {
		err := b.decr(ctx, key, n)
		if err == nil {
			stats.Flushed++
			return
		}
		if !core.IsStoreNotSupported(err) {
			b.addOwed(key, n)
			b.log.Error().Err(err).Int64("item_id", itemID).Int64("owed", n).
				Msg("view counter decrement failed after persist, owed to next flush")
			stats.Flushed++
			stats.Owed++
			return
		}
		b.deleteMode.Store(true)
		b.metrics.Degrade("counter_delete_fallback")
		b.log.Warn().Str("backend", b.cache.Name()).Str("degraded", "counter_delete_fallback").
			Msg("cache backend has no atomic decrement, falling back to delete; concurrent views may be lost")
	}

	// 降级：删除前再读一次，估算读与删之间到达的增量
	if cur, ok := b.readPending(ctx, key); ok && cur > n {
		stats.Lost += cur - n
	}
	if err := b.cache.Delete(ctx, key); err != nil {
		b.log.Error().Err(err).Int64("item_id", itemID).Msg("view counter delete failed after persist")
	}
	stats.Flushed++
}

// decr 原子扣减计数器，失败（非不支持）时重试一次
func (b *Buffer) decr(ctx context.Context, key string, n int64) error {
	_, err := b.cache.DecrByPrune(ctx, key, n)
	if err == nil || core.IsStoreNotSupported(err) {
		return err
	}
	_, err = b.cache.DecrByPrune(ctx, key, n)
	return err
}

func (b *Buffer) addOwed(key string, n int64) {
	b.owedMu.Lock()
	b.owed[key] += n
	b.owedMu.Unlock()
}

// settleOwed 补扣 key 上挂账的量，返回是否可以继续刷写该 key
func (b *Buffer) settleOwed(ctx context.Context, key string) bool {
	b.owedMu.Lock()
	n := b.owed[key]
	b.owedMu.Unlock()
	if n <= 0 {
		return true
	}
	if err := b.decr(ctx, key, n); err != nil {
		if core.IsStoreNotSupported(err) {
			// 后端不再支持扣减：整体删除计数器，挂账作废
			b.clearOwed(key, n)
			if err := b.cache.Delete(ctx, key); err != nil {
				b.log.Error().Err(err).Str("key", key).Msg("view counter delete failed while settling owed")
			}
			return false
		}
		b.log.Warn().Err(err).Str("key", key).Int64("owed", n).Msg("settle owed view counter failed")
		return false
	}
	b.clearOwed(key, n)
	return true
}

func (b *Buffer) clearOwed(key string, n int64) {
	b.owedMu.Lock()
	b.owed[key] -= n
	if b.owed[key] <= 0 {
		delete(b.owed, key)
	}
	b.owedMu.Unlock()
}

// persist 持久化增量，冲突时重试一次
func (b *Buffer) persist(ctx context.Context, itemID, n int64) error {
	err := b.repo.AddViewCount(ctx, itemID, n)
	if err == nil || !core.IsPersistenceConflict(err) {
		return err
	}
	b.log.Debug().Err(err).Int64("item_id", itemID).Msg("view count persist conflict, retrying")
	return b.repo.AddViewCount(ctx, itemID, n)
}

func (b *Buffer) readPending(ctx context.Context, key string) (int64, bool) {
	raw, err := b.cache.Get(ctx, key)
	if err != nil {
		if !core.IsStoreNotFound(err) {
			b.log.Warn().Err(err).Str("key", key).Msg("read view counter failed")
		}
		return 0, false
	}
	n, ok := conv.ToInt64(raw)
	if !ok {
		b.log.Warn().Str("key", key).Err(core.MalformedInput(core.ModuleCounter, "non-integer counter")).
			Msg("skip malformed view counter")
		return 0, false
	}
	return n, true
}

// Pending 返回物品尚未刷写的浏览量
func (b *Buffer) Pending(ctx context.Context, itemID int64) (int64, error) {
	raw, err := b.cache.Get(ctx, Key(itemID))
	if err != nil {
		if core.IsStoreNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	n, ok := conv.ToInt64(raw)
	if !ok {
		return 0, core.MalformedInput(core.ModuleCounter, "non-integer counter for item "+conv.FormatID(itemID))
	}
	return max(n, 0), nil
}

// ViewCount 返回展示用浏览量：持久化值 + 待刷写值。
// 待刷写值读取失败时只返回持久化值。
func (b *Buffer) ViewCount(ctx context.Context, itemID int64) (int64, error) {
	persisted, err := b.repo.GetViewCount(ctx, itemID)
	if err != nil {
		return 0, err
	}
	pending, err := b.Pending(ctx, itemID)
	if err != nil {
		b.log.Warn().Err(err).Int64("item_id", itemID).Msg("pending view count unavailable, using persisted value")
		return persisted, nil
	}
	return persisted + pending, nil
}
