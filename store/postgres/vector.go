package postgres

import (
	"context"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/rushteam/reqrec/core"
)

// VectorIndex 是基于 pgvector 的 core.VectorIndex 实现。
// 主向量存 item_vector，文本分块存 item_chunk；搜索时两表各取 TopK，
// 按物品取最近距离合并。
type VectorIndex struct {
	*DB
}

func NewVectorIndex(db *DB) *VectorIndex {
	return &VectorIndex{DB: db}
}

var _ core.VectorIndex = (*VectorIndex)(nil)

func (v *VectorIndex) Upsert(ctx context.Context, doc core.VectorDoc) error {
	if len(doc.Vector) == 0 {
		return core.NewDomainError(core.ModuleVector, core.ErrorCodeInvalidInput, "vector: empty vector")
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin vector upsert")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `
		INSERT INTO item_vector (item_id, embedding, content, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (item_id)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			content = EXCLUDED.content,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, stmt, doc.ItemID, pgvector.NewVector(doc.Vector), doc.Text); err != nil {
		return errors.Wrap(err, "failed to upsert item vector")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_chunk WHERE item_id = $1`, doc.ItemID); err != nil {
		return errors.Wrap(err, "failed to clear item chunks")
	}
	for _, c := range doc.Chunks {
		if len(c.Vector) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_chunk (item_id, chunk_no, embedding, content) VALUES ($1, $2, $3, $4)`,
			doc.ItemID, c.Index, pgvector.NewVector(c.Vector), c.Text,
		); err != nil {
			return errors.Wrap(err, "failed to insert item chunk")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit vector upsert")
	}
	return nil
}

func (v *VectorIndex) Delete(ctx context.Context, itemID int64) error {
	// item_chunk 通过外键级联删除
	if _, err := v.db.ExecContext(ctx, `DELETE FROM item_vector WHERE item_id = $1`, itemID); err != nil {
		return errors.Wrap(err, "failed to delete item vector")
	}
	return nil
}

func (v *VectorIndex) Search(ctx context.Context, query []float32, topK int) ([]core.ScoredID, error) {
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}
	// The <=> operator computes cosine distance (1 - cosine_similarity)
	stmt := `
		WITH hits AS (
			(SELECT item_id, embedding <=> $1 AS dist FROM item_vector ORDER BY embedding <=> $1 LIMIT $2)
			UNION ALL
			(SELECT item_id, embedding <=> $1 AS dist FROM item_chunk ORDER BY embedding <=> $1 LIMIT $2)
		)
		SELECT item_id, 1 - MIN(dist) AS score
		FROM hits
		GROUP BY item_id
		ORDER BY score DESC
		LIMIT $2
	`
	rows, err := v.db.QueryContext(ctx, stmt, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to vector search")
	}
	defer rows.Close()

	results := make([]core.ScoredID, 0, topK)
	for rows.Next() {
		var r core.ScoredID
		if err := rows.Scan(&r.ItemID, &r.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector search result")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate vector search result")
	}
	return results, nil
}

func (v *VectorIndex) FetchVectors(ctx context.Context, itemIDs []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := v.db.QueryContext(ctx,
		`SELECT item_id, embedding FROM item_vector WHERE item_id = ANY($1)`, pq.Array(itemIDs))
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch item vectors")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, errors.Wrap(err, "failed to scan item vector")
		}
		out[id] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate item vectors")
	}
	return out, nil
}

func (v *VectorIndex) IDs(ctx context.Context) ([]int64, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT item_id FROM item_vector ORDER BY item_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list indexed items")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan indexed item")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate indexed items")
	}
	return out, nil
}
