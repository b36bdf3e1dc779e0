package counter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/store"
)

func setup(t *testing.T, opts ...store.MemoryOption) (*Buffer, *store.MemoryStore, *store.MemoryRepository) {
	t.Helper()
	cache := store.NewMemoryStore(opts...)
	t.Cleanup(func() { _ = cache.Close() })
	repo := store.NewMemoryRepository()
	for _, id := range []int64{1, 2, 3} {
		repo.PutItem(core.ItemInfo{ID: id, Status: core.ItemStatusPublished, ViewCount: 10})
	}
	return NewBuffer(cache, repo, zerolog.Nop(), nil), cache, repo
}

func TestIncrementAndReadTimeMerge(t *testing.T) {
	b, _, repo := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Increment(ctx, 1))
	}
	pending, err := b.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	total, err := b.ViewCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(13), total, "展示值合并待刷写量")

	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Flushed)

	persisted, _ := repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(13), persisted)
	pending, err = b.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pending, "扣减到 0 后 key 被删除")

	total, err = b.ViewCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(13), total)
}

func TestConcurrentIncrementsDuringFlush(t *testing.T) {
	b, _, repo := setup(t)
	ctx := context.Background()
	const n = 500

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Increment(ctx, 2))
		}()
	}
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for i := 0; i < 5; i++ {
			_, err := b.FlushAll(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	<-flushDone

	persisted, _ := repo.GetViewCount(ctx, 2)
	pending, err := b.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(n), persisted-10+pending, "持久化增量 + 剩余待刷写量 = 浏览次数")
}

func TestFlushRetriesConflictOnce(t *testing.T) {
	b, _, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, b.Increment(ctx, 1))

	repo.ConflictNext(1)
	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{Flushed: 1}, stats)
	persisted, _ := repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(11), persisted)
}

func TestFlushRequeuesAfterSecondConflict(t *testing.T) {
	b, _, repo := setup(t)
	ctx := context.Background()
	require.NoError(t, b.Increment(ctx, 1))
	require.NoError(t, b.Increment(ctx, 1))

	repo.ConflictNext(2)
	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{Requeued: 1}, stats)

	pending, _ := b.Pending(ctx, 1)
	assert.Equal(t, int64(2), pending, "增量保留到下一轮")

	require.NoError(t, b.Increment(ctx, 1))
	stats, err = b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Flushed)
	persisted, _ := repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(13), persisted)
}

func TestFlushDegradesToDelete(t *testing.T) {
	b, cache, repo := setup(t, store.WithoutAtomicDecr())
	ctx := context.Background()
	require.NoError(t, b.Increment(ctx, 1))
	require.NoError(t, b.Increment(ctx, 3))

	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Flushed)
	assert.True(t, b.Degraded())

	keys, err := cache.Scan(ctx, KeyPrefix+"*")
	require.NoError(t, err)
	assert.Empty(t, keys)
	p1, _ := repo.GetViewCount(ctx, 1)
	p3, _ := repo.GetViewCount(ctx, 3)
	assert.Equal(t, int64(11), p1)
	assert.Equal(t, int64(11), p3)
}

func TestIncrementFallsBackToDirectWrite(t *testing.T) {
	b, cache, repo := setup(t)
	ctx := context.Background()
	cache.SetUnavailable(true)

	require.NoError(t, b.Increment(ctx, 3))
	persisted, _ := repo.GetViewCount(ctx, 3)
	assert.Equal(t, int64(11), persisted)

	total, err := b.ViewCount(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(11), total, "待刷写值不可读时返回持久化值")
}

func TestFlushStopsBetweenKeysOnCancel(t *testing.T) {
	b, _, _ := setup(t)
	require.NoError(t, b.Increment(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := b.FlushAll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, stats.Flushed)

	pending, _ := b.Pending(context.Background(), 1)
	assert.Equal(t, int64(1), pending)
}

func TestFlushSkipsMalformedCounters(t *testing.T) {
	b, cache, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, KeyPrefix+"abc", []byte("5"), 0))
	require.NoError(t, cache.Set(ctx, Key(2), []byte("x"), 0))

	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{}, stats)
}

// failingDecrCache 让前 fails 次 DecrByPrune 返回缓存不可用
type failingDecrCache struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
}

func (c *failingDecrCache) DecrByPrune(ctx context.Context, key string, n int64) (int64, error) {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return 0, core.CacheUnavailable(core.ModuleStore, errors.New("connection reset"), "decr")
	}
	c.mu.Unlock()
	return c.MemoryStore.DecrByPrune(ctx, key, n)
}

func TestFlushOwesFailedDecrementToNextRound(t *testing.T) {
	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished})
	// 首次扣减及其重试都失败
	cache := &failingDecrCache{MemoryStore: mem, fails: 2}
	b := NewBuffer(cache, repo, zerolog.Nop(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Increment(ctx, 1))
	}
	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Owed)

	stats, err = b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Owed)

	persisted, _ := repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(3), persisted, "扣减失败不应导致重复持久化")
	pending, err := b.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFlushHoldsKeyWhileOwedUnsettled(t *testing.T) {
	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished})
	cache := &failingDecrCache{MemoryStore: mem, fails: 4}
	b := NewBuffer(cache, repo, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, b.Increment(ctx, 1))
	_, err := b.FlushAll(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Increment(ctx, 1))

	// 补扣仍失败：该 key 本轮不刷写
	stats, err := b.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Requeued)
	persisted, _ := repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(1), persisted)

	// 恢复后补扣旧量，只持久化新增量
	_, err = b.FlushAll(ctx)
	require.NoError(t, err)
	persisted, _ = repo.GetViewCount(ctx, 1)
	assert.Equal(t, int64(2), persisted)
	pending, _ := b.Pending(ctx, 1)
	assert.Zero(t, pending)
}
