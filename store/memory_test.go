package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
)

func TestMemoryStoreCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrBy(ctx, "views:pending:1", 1)
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, "views:pending:1")
	require.NoError(t, err)
	assert.Equal(t, "50", string(raw))

	left, err := s.DecrByPrune(ctx, "views:pending:1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(30), left)

	left, err = s.DecrByPrune(ctx, "views:pending:1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), left)
	_, err = s.Get(ctx, "views:pending:1")
	assert.True(t, core.IsStoreNotFound(err), "归零后 key 应被删除")
}

func TestMemoryStoreWithoutAtomicDecr(t *testing.T) {
	s := NewMemoryStore(WithoutAtomicDecr())
	defer s.Close()
	_, err := s.DecrByPrune(context.Background(), "k", 1)
	assert.True(t, core.IsStoreNotSupported(err))
}

func TestMemoryStoreHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	v, err := s.HIncrByFloat(ctx, "h", "interest:1", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	v, err = s.HIncrByFloat(ctx, "h", "interest:1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"bad": "x"}))
	_, err = s.HIncrByFloat(ctx, "h", "bad", 1)
	assert.True(t, core.IsMalformedInput(err))

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"interest:1": "2.5", "bad": "x"}, all)

	require.NoError(t, s.HDel(ctx, "h", "interest:1", "bad"))
	all, err = s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStoreSortedSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ZAdd(ctx, "z", float64(i), m))
	}
	require.NoError(t, s.ZAdd(ctx, "z", 10, "a")) // 更新分数

	got, err := s.ZRevRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "c", "b"}, got)

	// 保留分数最高的 2 个
	require.NoError(t, s.ZRemRangeByRank(ctx, "z", 0, -3))
	got, err = s.ZRevRange(ctx, "z", 0, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, got)

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStoreTTLAndScan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return now }))
	defer s.Close()

	require.NoError(t, s.Set(ctx, "cand:u1", []byte("[1]"), time.Minute))
	_, _ = s.IncrBy(ctx, "views:pending:1", 1)
	_, _ = s.IncrBy(ctx, "views:pending:2", 1)

	keys, err := s.Scan(ctx, "views:pending:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"views:pending:1", "views:pending:2"}, keys)

	assert.Equal(t, time.Minute, s.TTL("cand:u1"))
	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "cand:u1")
	assert.True(t, core.IsStoreNotFound(err), "过期后不可读")
}

func TestMemoryStoreUnavailable(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	s.SetUnavailable(true)
	_, err := s.IncrBy(context.Background(), "k", 1)
	assert.True(t, core.IsCacheUnavailable(err))
}

func TestMemoryStoreHDelIfBelow(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"low": "0.05", "high": "0.5", "bad": "x"}))

	for field, want := range map[string]bool{"low": true, "high": false, "bad": false, "missing": false} {
		removed, err := s.HDelIfBelow(ctx, "h", field, 0.1)
		require.NoError(t, err)
		assert.Equal(t, want, removed, field)
	}
	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"high": "0.5", "bad": "x"}, all)
}
