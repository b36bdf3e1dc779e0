package recall

import (
	"context"
	"errors"

	"github.com/rushteam/reqrec/core"
)

// Source 表示一条召回路径（语义召回 / 规则召回）。
// Fanout 并发执行多个 Source 并按物品 id 合并结果。
type Source interface {
	Name() string
	Recall(ctx context.Context, rctx *core.RecommendContext) ([]*core.Item, error)
}

// ErrNoQueryVector 表示用户没有可用的查询向量，语义召回被跳过。
// 这是正常路径（冷启动），不计入降级。
var ErrNoQueryVector = errors.New("recall: no query vector")
