package core

import "context"

// VectorIndex 是物品向量索引的领域接口。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（store / store/postgres / vector）实现
//   - 每个物品一个主向量，另附若干文本分块向量（段落级检索）
//   - 只有处于可推荐状态的物品会被写入；状态变为不可推荐时调用 Delete
//
// 使用场景：
//   - 语义召回：用户查询向量 → TopK 相似物品
//   - 动态画像：取用户最近浏览物品的向量求平均
//
// 注意：
//   - Search 使用余弦相似度，同分时的顺序由索引实现决定，调用方不应依赖
//   - 索引不可用时返回 REMOTE_UNAVAILABLE，调用方降级到规则召回
type VectorIndex interface {
	// Upsert 写入或覆盖物品向量
	Upsert(ctx context.Context, doc VectorDoc) error

	// Delete 删除物品的主向量及其全部分块
	Delete(ctx context.Context, itemID int64) error

	// Search 向量搜索，按相似度降序返回
	Search(ctx context.Context, query []float32, topK int) ([]ScoredID, error)

	// FetchVectors 批量读取主向量，不存在的 ID 不出现在结果中
	FetchVectors(ctx context.Context, itemIDs []int64) (map[int64][]float32, error)

	// IDs 列出索引中的全部物品 ID，用于全量对账时清理不再可推荐的物品
	IDs(ctx context.Context) ([]int64, error)
}

// VectorDoc 是写入向量索引的文档
type VectorDoc struct {
	ItemID int64
	Vector []float32
	Text   string
	Chunks []VectorChunk
}

// VectorChunk 是物品文本分块及其向量
type VectorChunk struct {
	Index  int
	Text   string
	Vector []float32
}

// ScoredID 是搜索结果项
type ScoredID struct {
	ItemID int64
	Score  float64
}
