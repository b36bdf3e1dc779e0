package filter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pipeline"
)

// FilterNode 是过滤 Node，可以组合多个过滤器。
// 任何一个过滤器返回 true，该物品就会被移除；过滤器出错时保留物品并记录日志。
type FilterNode struct {
	Filters []Filter
	Log     zerolog.Logger
}

func (n *FilterNode) Name() string {
	return "filter.node"
}

func (n *FilterNode) Kind() pipeline.Kind {
	return pipeline.KindFilter
}

func (n *FilterNode) Process(
	ctx context.Context,
	rctx *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if len(n.Filters) == 0 || len(items) == 0 {
		return items, nil
	}

	out := make([]*core.Item, 0, len(items))
	removed := make(map[string]int)
	for _, item := range items {
		if item == nil {
			continue
		}
		reason := ""
		for _, f := range n.Filters {
			drop, err := f.ShouldFilter(ctx, rctx, item)
			if err != nil {
				n.Log.Warn().Err(err).Str("filter", f.Name()).Int64("item_id", item.ID).Msg("filter failed, keeping item")
				continue
			}
			if drop {
				reason = f.Name()
				break
			}
		}
		if reason != "" {
			removed[reason]++
			continue
		}
		out = append(out, item)
	}
	if len(removed) > 0 {
		ev := n.Log.Debug().Str("user_id", rctx.UserID)
		for name, c := range removed {
			ev = ev.Int(name, c)
		}
		ev.Msg("items filtered")
	}
	return out, nil
}
