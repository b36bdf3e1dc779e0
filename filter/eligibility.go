package filter

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/pkg/dsl"
)

// EligibilityFilter 过滤不可推荐的物品：状态不在可推荐集合，或不满足业务表达式。
//
// 向量索引中的物品可能落后于关系库（需求刚关闭、索引还没删除），
// 所以语义召回的结果在融合后还要再过一遍。
//
// 示例表达式：
//
//	item.age_days <= 90 && size(item.skill_tags) > 0
type EligibilityFilter struct {
	statuses []core.ItemStatus
	rule     *dsl.Program
	log      zerolog.Logger
}

// NewEligibilityFilter 创建过滤器。statuses 为空时使用默认可推荐状态，expr 为空时不做表达式过滤。
func NewEligibilityFilter(statuses []core.ItemStatus, expr string, log zerolog.Logger) (*EligibilityFilter, error) {
	if len(statuses) == 0 {
		statuses = core.DefaultEligibleStatuses
	}
	prg, err := dsl.Compile(expr)
	if err != nil {
		return nil, core.WrapError(core.ModuleCandidate, core.ErrorCodeInvalidInput, err, "eligibility rule %q", expr)
	}
	return &EligibilityFilter{statuses: slices.Clone(statuses), rule: prg, log: log}, nil
}

func (f *EligibilityFilter) Name() string { return "eligibility" }

// Statuses 返回可推荐状态集合
func (f *EligibilityFilter) Statuses() []core.ItemStatus {
	return slices.Clone(f.statuses)
}

// Allow 物品是否可推荐。表达式求值失败按不可推荐处理。
func (f *EligibilityFilter) Allow(info *core.ItemInfo, now time.Time) bool {
	if info == nil || !slices.Contains(f.statuses, info.Status) {
		return false
	}
	ok, err := f.rule.Match(info, now)
	if err != nil {
		f.log.Warn().Err(err).Int64("item_id", info.ID).Str("rule", f.rule.String()).Msg("eligibility rule eval failed")
		return false
	}
	return ok
}

func (f *EligibilityFilter) ShouldFilter(_ context.Context, rctx *core.RecommendContext, item *core.Item) (bool, error) {
	return !f.Allow(item.Info(), rctx.Now), nil
}
