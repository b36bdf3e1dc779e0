package recall

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/pipeline"
	"github.com/rushteam/reqrec/pkg/utils"
)

const (
	// LabelRecallSource 物品来自哪些召回路径
	LabelRecallSource = "recall_source"
	// LabelDegraded 用户级 Label：本次生成中失败并被降级的召回路径
	LabelDegraded = "degraded"
)

// Fanout 是一个 Recall Node：并发执行多个召回源，并按物品 id 合并结果。
//
// 设计原则：
//   - Required 中任一召回源失败，整次召回失败（规则召回是兜底路径，不能丢）
//   - Optional 召回源失败只降级：记录到 rctx 的 degraded Label，继续使用其余路径
//   - 每个召回源单独超时，超时按失败处理
//
// 同一物品被多条路径召回时，Features / Meta 合并，recall_source Label 累积。
type Fanout struct {
	Required []Source
	Optional []Source
	Timeout  time.Duration // 每个召回源的超时时间，0 表示不单独限制

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func (n *Fanout) Name() string        { return "recall.fanout" }
func (n *Fanout) Kind() pipeline.Kind { return pipeline.KindRecall }

type sourceResult struct {
	name     string
	items    []*core.Item
	degraded bool
}

func (n *Fanout) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	_ []*core.Item,
) ([]*core.Item, error) {
	total := len(n.Required) + len(n.Optional)
	if total == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		results = make([]sourceResult, 0, total)
	)
	eg, egCtx := errgroup.WithContext(ctx)

	run := func(s Source, required bool) {
		eg.Go(func() error {
			recallCtx := egCtx
			if n.Timeout > 0 {
				var cancel context.CancelFunc
				recallCtx, cancel = context.WithTimeout(egCtx, n.Timeout)
				defer cancel()
			}

			items, err := s.Recall(recallCtx, rctx)
			res := sourceResult{name: s.Name(), items: items}
			switch {
			case err == nil:
			case errors.Is(err, ErrNoQueryVector):
				n.Log.Debug().Str("user_id", rctx.UserID).Str("source", s.Name()).Msg("recall skipped, no query vector")
				res.items = nil
			case required:
				return core.WrapError(core.ModuleCandidate, core.ErrorCodeUnavailable, err, "required recall %s", s.Name())
			default:
				n.Metrics.Degrade(s.Name())
				n.Log.Warn().Err(err).Str("user_id", rctx.UserID).Str("source", s.Name()).
					Str("degraded", s.Name()).Msg("optional recall failed, continuing without it")
				res.items = nil
				res.degraded = true
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	for _, s := range n.Required {
		run(s, true)
	}
	for _, s := range n.Optional {
		run(s, false)
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// rctx 只在 Wait 之后写，召回源并发读取时不会竞争
	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })
	for _, r := range results {
		if r.degraded {
			rctx.PutLabel(LabelDegraded, utils.Label{Value: r.name, Source: "recall"})
		}
	}
	return merge(results), nil
}

// merge 按 id 合并各路径结果，输出按 id 升序（后续排序节点决定最终顺序）
func merge(results []sourceResult) []*core.Item {
	seen := make(map[int64]*core.Item)
	for _, r := range results {
		for _, it := range r.items {
			if it == nil {
				continue
			}
			it.PutLabel(LabelRecallSource, utils.Label{Value: r.name, Source: "recall"})
			old, ok := seen[it.ID]
			if !ok {
				seen[it.ID] = it
				continue
			}
			for k, v := range it.Features {
				old.Features[k] = v
			}
			for k, v := range it.Meta {
				if _, exists := old.Meta[k]; !exists {
					old.Meta[k] = v
				}
			}
			for k, v := range it.Labels {
				old.PutLabel(k, v)
			}
		}
	}
	out := make([]*core.Item, 0, len(seen))
	for _, it := range seen {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Degraded 返回本次生成中被降级的召回路径
func Degraded(rctx *core.RecommendContext) []string {
	lbl, ok := rctx.GetLabel(LabelDegraded)
	if !ok || lbl.Value == "" {
		return nil
	}
	return strings.Split(lbl.Value, "|")
}
