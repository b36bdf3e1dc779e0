// Package vector 为向量索引增加超时与熔断保护。
package vector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/pkg/breaker"
)

// GuardedIndex 包装 core.VectorIndex：
//   - 每次调用有独立超时
//   - 连续失败后熔断，熔断期间直接返回 REMOTE_UNAVAILABLE
//   - 所有失败统一映射为 REMOTE_UNAVAILABLE，调用方据此降级
type GuardedIndex struct {
	next    core.VectorIndex
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
	metrics *metrics.Metrics
}

// Options 配置 GuardedIndex
type Options struct {
	Timeout time.Duration  `koanf:"timeout"`
	Breaker breaker.Config `koanf:"breaker"`
}

// DefaultOptions 默认 2 秒超时
func DefaultOptions() Options {
	return Options{Timeout: 2 * time.Second, Breaker: breaker.DefaultConfig()}
}

func NewGuardedIndex(next core.VectorIndex, opts Options, log zerolog.Logger, m *metrics.Metrics) *GuardedIndex {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &GuardedIndex{
		next:    next,
		timeout: opts.Timeout,
		cb:      breaker.New[any]("vector_index", opts.Breaker, log, m),
		metrics: m,
	}
}

var _ core.VectorIndex = (*GuardedIndex)(nil)

func (g *GuardedIndex) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	out, err := g.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	})
	result := "ok"
	if err != nil {
		result = "error"
		if breaker.IsOpen(err) {
			result = "rejected"
		}
	}
	g.metrics.Remote("vector_"+op, result, time.Since(start))
	if err != nil {
		if core.IsInvalidInput(err) {
			return nil, err
		}
		return nil, core.RemoteUnavailable(core.ModuleVector, err, "vector "+op)
	}
	return out, nil
}

func (g *GuardedIndex) Upsert(ctx context.Context, doc core.VectorDoc) error {
	_, err := g.call(ctx, "upsert", func(ctx context.Context) (any, error) {
		return nil, g.next.Upsert(ctx, doc)
	})
	return err
}

func (g *GuardedIndex) Delete(ctx context.Context, itemID int64) error {
	_, err := g.call(ctx, "delete", func(ctx context.Context) (any, error) {
		return nil, g.next.Delete(ctx, itemID)
	})
	return err
}

func (g *GuardedIndex) Search(ctx context.Context, query []float32, topK int) ([]core.ScoredID, error) {
	out, err := g.call(ctx, "search", func(ctx context.Context) (any, error) {
		return g.next.Search(ctx, query, topK)
	})
	if err != nil {
		return nil, err
	}
	hits, _ := out.([]core.ScoredID)
	return hits, nil
}

func (g *GuardedIndex) FetchVectors(ctx context.Context, itemIDs []int64) (map[int64][]float32, error) {
	out, err := g.call(ctx, "fetch", func(ctx context.Context) (any, error) {
		return g.next.FetchVectors(ctx, itemIDs)
	})
	if err != nil {
		return nil, err
	}
	vecs, _ := out.(map[int64][]float32)
	return vecs, nil
}

func (g *GuardedIndex) IDs(ctx context.Context) ([]int64, error) {
	out, err := g.call(ctx, "ids", func(ctx context.Context) (any, error) {
		return g.next.IDs(ctx)
	})
	if err != nil {
		return nil, err
	}
	ids, _ := out.([]int64)
	return ids, nil
}
