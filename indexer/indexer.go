// Package indexer 把物品同步到向量索引。
//
// 可推荐状态的物品：分块 → 近重复块去重 → 批量生成向量 → Upsert；
// 状态变为不可推荐时删除索引。
package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/embedding"
)

// BatchEmbedder 批量生成向量，失败的位置为空向量
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// Eligibility 判断物品是否可推荐
type Eligibility interface {
	Allow(info *core.ItemInfo, now time.Time) bool
}

// Indexer 维护物品向量索引
type Indexer struct {
	index    core.VectorIndex
	embedder BatchEmbedder
	eligible Eligibility
	log      zerolog.Logger
}

// New 创建 Indexer
func New(index core.VectorIndex, embedder BatchEmbedder, eligible Eligibility, log zerolog.Logger) *Indexer {
	return &Indexer{index: index, embedder: embedder, eligible: eligible, log: log}
}

// Sync 按物品当前状态更新索引。
// 主向量生成失败时不写入，返回 REMOTE_UNAVAILABLE，由调用方决定是否重试。
func (x *Indexer) Sync(ctx context.Context, info *core.ItemInfo) error {
	if info == nil {
		return nil
	}
	if !x.eligible.Allow(info, time.Now()) {
		return x.Remove(ctx, info.ID)
	}

	text := info.Text()
	chunks := embedding.DedupChunks(
		embedding.ChunkText(text, embedding.ChunkSize, embedding.ChunkOverlap),
		embedding.DefaultMaxDistance,
	)
	if len(chunks) == 0 {
		return core.NewDomainError(core.ModuleVector, core.ErrorCodeInvalidInput, "indexer: item has no text")
	}

	// 第一个块（标题 + 正文开头）作为主向量
	vecs := x.embedder.EmbedBatch(ctx, chunks)
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return core.RemoteUnavailable(core.ModuleEmbedding, errors.New("empty item vector"), "index item")
	}
	doc := core.VectorDoc{ItemID: info.ID, Vector: vecs[0], Text: text}
	if len(chunks) > 1 {
		for i, c := range chunks {
			if len(vecs[i]) != len(vecs[0]) {
				continue
			}
			doc.Chunks = append(doc.Chunks, core.VectorChunk{Index: i, Text: c, Vector: vecs[i]})
		}
	}
	if err := x.index.Upsert(ctx, doc); err != nil {
		return err
	}
	x.log.Debug().Int64("item_id", info.ID).Int("chunks", len(doc.Chunks)).Msg("item indexed")
	return nil
}

// Remove 从索引中删除物品
func (x *Indexer) Remove(ctx context.Context, itemID int64) error {
	if err := x.index.Delete(ctx, itemID); err != nil {
		return err
	}
	x.log.Debug().Int64("item_id", itemID).Msg("item removed from index")
	return nil
}

// SyncItem 按仓储中的最新状态同步单个物品，物品已不存在时删除索引
func (x *Indexer) SyncItem(ctx context.Context, items core.ItemRepository, itemID int64) error {
	infos, err := items.GetItems(ctx, []int64{itemID})
	if err != nil {
		return err
	}
	info, ok := infos[itemID]
	if !ok {
		return x.Remove(ctx, itemID)
	}
	return x.Sync(ctx, info)
}

// SyncAll 重建全部可推荐物品的索引，并删除索引中已不再可推荐的物品。
// 单个物品失败只记录日志。返回成功写入数。
func (x *Indexer) SyncAll(ctx context.Context, items core.ItemRepository) (int, error) {
	infos, err := items.ListEligible(ctx)
	if err != nil {
		return 0, err
	}
	eligible := make(map[int64]struct{}, len(infos))
	for _, info := range infos {
		eligible[info.ID] = struct{}{}
	}
	removed, err := x.prune(ctx, eligible)
	if err != nil {
		return 0, err
	}

	ok := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		if err := x.Sync(ctx, info); err != nil {
			x.log.Warn().Err(err).Int64("item_id", info.ID).Msg("index item failed")
			continue
		}
		ok++
	}
	x.log.Info().Int("indexed", ok).Int("total", len(infos)).Int("removed", removed).Msg("reindex finished")
	return ok, nil
}

// prune 删除索引中不在 eligible 集合里的物品
func (x *Indexer) prune(ctx context.Context, eligible map[int64]struct{}) (int, error) {
	ids, err := x.index.IDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, ok := eligible[id]; ok {
			continue
		}
		if err := x.Remove(ctx, id); err != nil {
			x.log.Warn().Err(err).Int64("item_id", id).Msg("remove stale index entry failed")
			continue
		}
		removed++
	}
	return removed, nil
}
