package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rushteam/reqrec/core"
)

// RedisConfig 是 RedisStore 的连接参数
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RedisStore 是 Redis 实现的 CacheStore。
// 生产环境使用，计数器的“递减并在 <=0 时删除”通过 Lua 脚本保证原子性。
type RedisStore struct {
	client redis.UniversalClient
}

// decrPruneScript 原子执行 DECRBY，结果 <= 0 时删除 key
var decrPruneScript = redis.NewScript(`
local v = redis.call('DECRBY', KEYS[1], ARGV[1])
if v <= 0 then
  redis.call('DEL', KEYS[1])
end
return v
`)

// hdelBelowScript 原子执行：字段 ARGV[1] 的值 < ARGV[2] 时 HDEL，返回 1 表示已删除
var hdelBelowScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
if v ~= nil and v < tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.CacheUnavailable(core.ModuleCache, err, "redis ping "+cfg.Addr)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient 复用已有客户端（集群/哨兵）
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ core.CacheStore = (*RedisStore)(nil)

func (r *RedisStore) Name() string { return "redis" }

// wrap 把驱动错误映射为领域错误
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return core.ErrStoreNotFound
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		// 服务端返回的命令错误（类型错误、非整数等）不代表不可用
		return core.WrapError(core.ModuleCache, core.ErrorCodeMalformedInput, err, "redis %s", op)
	}
	return core.CacheUnavailable(core.ModuleCache, err, "redis "+op)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrap("get", err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return wrap("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", r.client.Del(ctx, keys...).Err())
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", r.client.Expire(ctx, key, ttl).Err())
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, n).Result()
	return v, wrap("incrby", err)
}

func (r *RedisStore) DecrByPrune(ctx context.Context, key string, n int64) (int64, error) {
	v, err := decrPruneScript.Run(ctx, r.client, []string{key}, n).Int64()
	return v, wrap("decrby", err)
}

func (r *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, ok := seen[k]; ok {
			continue // SCAN 可能重复返回同一个 key
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	return keys, nil
}

func (r *RedisStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	v, err := r.client.HIncrByFloat(ctx, key, field, delta).Result()
	return v, wrap("hincrbyfloat", err)
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		values = append(values, f, v)
	}
	return wrap("hset", r.client.HSet(ctx, key, values...).Err())
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", err)
	}
	return vals, nil
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap("hdel", r.client.HDel(ctx, key, fields...).Err())
}

func (r *RedisStore) HDelIfBelow(ctx context.Context, key, field string, floor float64) (bool, error) {
	n, err := hdelBelowScript.Run(ctx, r.client, []string{key}, field, floor).Int64()
	if err != nil {
		return false, wrap("hdelifbelow", err)
	}
	return n == 1, nil
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap("zadd", r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return wrap("zremrangebyrank", r.client.ZRemRangeByRank(ctx, key, start, stop).Err())
}

func (r *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("zrevrange", err)
	}
	return vals, nil
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	return n, wrap("zcard", err)
}

// Ping 用于健康检查
func (r *RedisStore) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Ping(ctx).Err())
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
