package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rushteam/reqrec/core"
)

// MemoryVectorIndex 是内存实现的向量索引，用于测试/开发/原型。
// 平替 pgvector 等向量数据库。
//
// 特点：
//   - 余弦相似度；物品得分取主向量与各分块向量相似度的最大值
//   - 同分时按首次写入顺序返回
//   - 线程安全
type MemoryVectorIndex struct {
	mu   sync.RWMutex
	docs map[int64]*vectorEntry
	seq  int64
}

type vectorEntry struct {
	seq    int64
	vector []float32
	text   string
	chunks [][]float32
}

// NewMemoryVectorIndex 创建内存向量索引
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{docs: make(map[int64]*vectorEntry)}
}

var _ core.VectorIndex = (*MemoryVectorIndex)(nil)

func (m *MemoryVectorIndex) Upsert(ctx context.Context, doc core.VectorDoc) error {
	if len(doc.Vector) == 0 {
		return core.NewDomainError(core.ModuleVector, core.ErrorCodeInvalidInput, "vector: empty vector")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.docs[doc.ItemID]
	if !ok {
		m.seq++
		e = &vectorEntry{seq: m.seq}
		m.docs[doc.ItemID] = e
	}
	e.vector = cloneVector(doc.Vector)
	e.text = doc.Text
	e.chunks = e.chunks[:0]
	for _, c := range doc.Chunks {
		if len(c.Vector) == len(doc.Vector) {
			e.chunks = append(e.chunks, cloneVector(c.Vector))
		}
	}
	return nil
}

func (m *MemoryVectorIndex) Delete(ctx context.Context, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, itemID)
	return nil
}

func (m *MemoryVectorIndex) Search(ctx context.Context, query []float32, topK int) ([]core.ScoredID, error) {
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type hit struct {
		id    int64
		seq   int64
		score float64
	}
	hits := make([]hit, 0, len(m.docs))
	for id, e := range m.docs {
		if len(e.vector) != len(query) {
			continue
		}
		best := cosineSimilarity(query, e.vector)
		for _, c := range e.chunks {
			if s := cosineSimilarity(query, c); s > best {
				best = s
			}
		}
		hits = append(hits, hit{id: id, seq: e.seq, score: best})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]core.ScoredID, len(hits))
	for i, h := range hits {
		out[i] = core.ScoredID{ItemID: h.id, Score: h.score}
	}
	return out, nil
}

func (m *MemoryVectorIndex) FetchVectors(ctx context.Context, itemIDs []int64) (map[int64][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int64][]float32, len(itemIDs))
	for _, id := range itemIDs {
		if e, ok := m.docs[id]; ok {
			out[id] = cloneVector(e.vector)
		}
	}
	return out, nil
}

// Len 返回索引中的物品数
func (m *MemoryVectorIndex) IDs(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int64, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// cosineSimilarity 计算余弦相似度，任一向量为零向量时返回 0
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
