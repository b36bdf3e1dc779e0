package core

import (
	"context"
	"time"
)

// ItemRepository 是物品（需求）关系库的领域接口。
//
// 设计原则：
//   - 关系库属于外部协作方，这里只定义候选生成需要的读写能力
//   - 浏览数只有计数刷写任务会写（AddViewCount），其他组件只读
//
// 实现：
//   - store.MemoryRepository（测试/开发）
//   - postgres.Repository（PostgreSQL）
type ItemRepository interface {
	// ListEligible 列出所有处于可推荐状态的物品
	ListEligible(ctx context.Context) ([]*ItemInfo, error)

	// GetItems 批量读取物品，不存在的 ID 不出现在结果中
	GetItems(ctx context.Context, ids []int64) (map[int64]*ItemInfo, error)

	// AddViewCount 原子地执行 view_count += delta。
	// 持久层拒绝更新时返回 PERSISTENCE_CONFLICT。
	AddViewCount(ctx context.Context, itemID int64, delta int64) error

	// GetViewCount 读取持久化的浏览数
	GetViewCount(ctx context.Context, itemID int64) (int64, error)
}

// UserRepository 是用户关系库的领域接口
type UserRepository interface {
	// GetStaticProfile 读取用户静态画像，用户不存在时返回空画像
	GetStaticProfile(ctx context.Context, userID string) (*UserStaticProfile, error)

	// ListActiveUsers 列出 since 之后登录过或注册的用户
	ListActiveUsers(ctx context.Context, since time.Time) ([]string, error)
}
