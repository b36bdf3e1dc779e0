package vector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pkg/breaker"
	"github.com/rushteam/reqrec/store"
)

// slowIndex 在 Search 时阻塞直到 ctx 结束
type slowIndex struct {
	core.VectorIndex
	calls int
}

func (s *slowIndex) Search(ctx context.Context, q []float32, k int) ([]core.ScoredID, error) {
	s.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuardedIndexPassThrough(t *testing.T) {
	mem := store.NewMemoryVectorIndex()
	g := NewGuardedIndex(mem, DefaultOptions(), zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, g.Upsert(ctx, core.VectorDoc{ItemID: 1, Vector: []float32{1, 0}}))
	hits, err := g.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ItemID)

	err = g.Upsert(ctx, core.VectorDoc{ItemID: 2})
	assert.True(t, core.IsInvalidInput(err), "输入错误不映射为远端不可用")
}

func TestGuardedIndexTimeoutAndBreaker(t *testing.T) {
	slow := &slowIndex{VectorIndex: store.NewMemoryVectorIndex()}
	g := NewGuardedIndex(slow, Options{
		Timeout: 10 * time.Millisecond,
		Breaker: breaker.Config{FailureThreshold: 2, Timeout: time.Minute},
	}, zerolog.Nop(), nil)

	for i := 0; i < 2; i++ {
		_, err := g.Search(context.Background(), []float32{1}, 1)
		assert.True(t, core.IsRemoteUnavailable(err))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	}

	_, err := g.Search(context.Background(), []float32{1}, 1)
	assert.True(t, core.IsRemoteUnavailable(err), "熔断后依然返回 REMOTE_UNAVAILABLE")
	assert.Equal(t, 2, slow.calls, "熔断期间不再调用底层索引")
}
