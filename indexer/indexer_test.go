package indexer

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/filter"
	"github.com/rushteam/reqrec/store"
)

type lenEmbedder struct{ fail bool }

func (e lenEmbedder) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.fail {
			out[i] = []float32{}
			continue
		}
		out[i] = []float32{float32(len(t)), float32(i + 1)}
	}
	return out
}

func newIndexer(t *testing.T, emb BatchEmbedder) (*Indexer, *store.MemoryVectorIndex) {
	t.Helper()
	f, err := filter.NewEligibilityFilter(nil, "", zerolog.Nop())
	require.NoError(t, err)
	idx := store.NewMemoryVectorIndex()
	return New(idx, emb, f, zerolog.Nop()), idx
}

func TestSyncEligibleAndTransition(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{})
	ctx := context.Background()
	info := &core.ItemInfo{ID: 7, Title: "Payment gateway", Body: "Integrate refunds.", Status: core.ItemStatusPublished}

	require.NoError(t, x.Sync(ctx, info))
	assert.Equal(t, 1, idx.Len())

	info.Status = core.ItemStatusClosed
	require.NoError(t, x.Sync(ctx, info))
	assert.Equal(t, 0, idx.Len(), "变为不可推荐后删除")
}

func TestSyncLongTextStoresChunks(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{})
	ctx := context.Background()
	var body strings.Builder
	for i := 0; i < 30; i++ {
		body.WriteString("Sentence number ")
		body.WriteString(strings.Repeat("x", i%7+1))
		body.WriteString(" explains a different part of the job. ")
	}
	info := &core.ItemInfo{ID: 1, Title: "Long", Body: body.String(), Status: core.ItemStatusRecruiting}

	require.NoError(t, x.Sync(ctx, info))
	vecs, err := idx.FetchVectors(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, float32(1), vecs[1][1], "主向量是第一个块的向量")
}

func TestSyncEmbeddingFailure(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{fail: true})
	err := x.Sync(context.Background(), &core.ItemInfo{ID: 1, Title: "t", Status: core.ItemStatusPublished})
	assert.True(t, core.IsRemoteUnavailable(err))
	assert.Equal(t, 0, idx.Len())
}

func TestSyncAll(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{})
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Title: "a", Status: core.ItemStatusPublished})
	repo.PutItem(core.ItemInfo{ID: 2, Title: "b", Status: core.ItemStatusDraft})
	repo.PutItem(core.ItemInfo{ID: 3, Status: core.ItemStatusPublished})

	n, err := x.SyncAll(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "没有文本的物品跳过")
	assert.Equal(t, 1, idx.Len())
}

func TestSyncAllRemovesNoLongerEligible(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{})
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Title: "a", Status: core.ItemStatusPublished})
	repo.PutItem(core.ItemInfo{ID: 2, Title: "b", Status: core.ItemStatusPublished})

	n, err := x.SyncAll(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	repo.PutItem(core.ItemInfo{ID: 1, Title: "a", Status: core.ItemStatusClosed})
	n, err = x.SyncAll(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vecs, err := idx.FetchVectors(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.NotContains(t, vecs, int64(1), "已关闭物品从索引中删除")
	assert.Contains(t, vecs, int64(2))
}

func TestSyncItemFollowsRepository(t *testing.T) {
	x, idx := newIndexer(t, lenEmbedder{})
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 5, Title: "api", Status: core.ItemStatusPublished})

	require.NoError(t, x.SyncItem(ctx, repo, 5))
	assert.Equal(t, 1, idx.Len())

	repo.PutItem(core.ItemInfo{ID: 5, Title: "api", Status: core.ItemStatusArchived})
	require.NoError(t, x.SyncItem(ctx, repo, 5))
	assert.Equal(t, 0, idx.Len())

	// 仓储中不存在的物品也从索引删除
	require.NoError(t, idx.Upsert(ctx, core.VectorDoc{ItemID: 9, Vector: []float32{1}}))
	require.NoError(t, x.SyncItem(ctx, repo, 9))
	assert.Equal(t, 0, idx.Len())
}
