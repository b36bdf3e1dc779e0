package core

import (
	"context"
	"time"
)

// CacheStore 是缓存存储的领域接口（计数器 / 哈希 / 有序集合 / KV）。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（store）实现
//   - 构造时显式注入，业务代码不探测底层客户端能力
//   - 所有 key 都支持过期时间
//
// 使用场景：
//   - 浏览计数缓冲：IncrBy / DecrByPrune / Scan
//   - 动态画像：HIncrByFloat / HGetAll / HDelIfBelow / Expire
//   - 浏览历史：ZAdd / ZRemRangeByRank / ZRevRange / Expire
//   - Embedding 缓存、候选结果缓存：Get / Set
//
// 实现：
//   - store.MemoryStore 实现此接口
//   - store.RedisStore 实现此接口
//
// 底层不可达时返回 CACHE_UNAVAILABLE；key 不存在时 Get 返回 ErrStoreNotFound。
type CacheStore interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// Get 读取单个 key 的值
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入单个 key-value，ttl <= 0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 删除 key
	Delete(ctx context.Context, keys ...string) error

	// Expire 刷新 key 的过期时间
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrBy 原子递增整型计数器，不存在时从 0 开始，返回递增后的值
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// DecrByPrune 原子地将计数器减去 n，结果 <= 0 时删除 key，返回递减后的值。
	// 不支持原子递减的后端返回 ErrStoreNotSupported。
	DecrByPrune(ctx context.Context, key string, n int64) (int64, error)

	// Scan 按 glob 模式枚举 key
	Scan(ctx context.Context, pattern string) ([]string, error)

	// HIncrByFloat 原子地给 Hash 字段加上浮点增量，返回新值
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// HSet 写入 Hash 字段
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll 读取整个 Hash，key 不存在时返回空 map
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel 删除 Hash 字段
	HDel(ctx context.Context, key string, fields ...string) error

	// HDelIfBelow 原子地在字段值 < floor 时删除该字段，返回是否删除。
	// 字段不存在或值无法解析时不删除。
	HDelIfBelow(ctx context.Context, key, field string, floor float64) (bool, error)

	// ZAdd 向有序集合添加成员，已存在则更新分数
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByRank 按排名区间（升序）删除成员
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// ZRevRange 按分数降序返回排名区间内的成员
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZCard 返回有序集合大小
	ZCard(ctx context.Context, key string) (int64, error)

	// Close 关闭连接/释放资源
	Close() error
}

// Store 错误定义（使用统一的 DomainError）
var (
	// ErrStoreNotFound 表示 key 不存在
	ErrStoreNotFound = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")

	// ErrStoreNotSupported 表示操作不支持
	ErrStoreNotSupported = NewDomainError(ModuleStore, ErrorCodeNotSupported, "store: operation not supported")
)

// IsStoreNotFound 检查错误是否为 key 不存在
func IsStoreNotFound(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotFound
}

// IsStoreNotSupported 检查错误是否为操作不支持
func IsStoreNotSupported(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotSupported
}
