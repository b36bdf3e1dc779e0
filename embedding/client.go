package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/pkg/breaker"
)

// Options 配置 Client
type Options struct {
	// CacheTTL 缓存有效期（进程内与共享缓存一致）
	CacheTTL time.Duration `koanf:"cache_ttl"`
	// LocalCacheSize 进程内 LRU 容量，<=0 关闭进程内缓存
	LocalCacheSize int `koanf:"local_cache_size"`
	// Timeout 单次远端调用超时
	Timeout time.Duration `koanf:"timeout"`
	// BatchSize 单次远端调用的最大文本数
	BatchSize int `koanf:"batch_size"`
	// RateLimit 每秒远端调用数，<=0 不限流
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`

	Breaker breaker.Config `koanf:"breaker"`
}

// DefaultOptions 返回默认配置：缓存 7 天，超时 5 秒
func DefaultOptions() Options {
	return Options{
		CacheTTL:       7 * 24 * time.Hour,
		LocalCacheSize: 4096,
		Timeout:        5 * time.Second,
		BatchSize:      64,
		RateLimit:      20,
		Burst:          5,
		Breaker:        breaker.DefaultConfig(),
	}
}

// Client 是带内容哈希缓存的 Embedding 客户端。
//
// 查找顺序：进程内 LRU → 共享缓存（CacheStore）→ 远端 Backend。
// 远端失败、超时、熔断时对应文本返回空向量，不返回错误。
type Client struct {
	backend Backend
	cache   core.CacheStore
	local   *expirable.LRU[string, []float32]
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[][]float32]
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient 创建客户端。cache 可为 nil（只用进程内缓存）。
func NewClient(backend Backend, cache core.CacheStore, opts Options, log zerolog.Logger, m *metrics.Metrics) *Client {
	def := DefaultOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	c := &Client{
		backend: backend,
		cache:   cache,
		opts:    opts,
		log:     log,
		metrics: m,
		cb:      breaker.New[[][]float32]("embedding", opts.Breaker, log, m),
	}
	if opts.LocalCacheSize > 0 {
		c.local = expirable.NewLRU[string, []float32](opts.LocalCacheSize, nil, opts.CacheTTL)
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// CacheKey 返回文本的缓存 key：emb:<model>:<sha256(text)>
func (c *Client) CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + c.backend.Model() + ":" + hex.EncodeToString(sum[:])
}

// Embed 为单段文本生成向量，失败返回空向量
func (c *Client) Embed(ctx context.Context, text string) []float32 {
	return c.EmbedBatch(ctx, []string{text})[0]
}

// EmbedBatch 为多段文本生成向量，返回与输入等长的切片；失败的位置为空向量。
func (c *Client) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}

	// key -> 输入位置
	positions := make(map[string][]int, len(texts))
	keyText := make(map[string]string, len(texts))
	var order []string
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := c.CacheKey(t)
		if _, ok := positions[key]; !ok {
			order = append(order, key)
			keyText[key] = t
		}
		positions[key] = append(positions[key], i)
	}

	found := make(map[string][]float32, len(order))
	var misses []string
	var l1, l2 int
	for _, key := range order {
		if vec, ok := c.lookupLocal(key); ok {
			found[key] = vec
			l1++
			continue
		}
		if vec, ok := c.lookupShared(ctx, key); ok {
			found[key] = vec
			c.storeLocal(key, vec)
			l2++
			continue
		}
		misses = append(misses, key)
	}
	c.metrics.Cache("l1_hit", l1)
	c.metrics.Cache("l2_hit", l2)
	c.metrics.Cache("miss", len(misses))

	for start := 0; start < len(misses); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(misses))
		batch := misses[start:end]
		batchTexts := make([]string, len(batch))
		for i, key := range batch {
			batchTexts[i] = keyText[key]
		}
		vectors, err := c.remote(ctx, batchTexts)
		if err != nil {
			c.metrics.Cache("error", len(batch))
			c.metrics.Degrade("embedding_failed")
			c.log.Warn().Err(err).Str("degraded", "embedding_failed").Int("texts", len(batch)).Msg("embedding backend call failed")
			continue
		}
		for i, key := range batch {
			vec := vectors[i]
			if len(vec) == 0 {
				continue
			}
			found[key] = vec
			c.storeLocal(key, vec)
			c.storeShared(ctx, key, vec)
		}
	}

	for key, idxs := range positions {
		vec, ok := found[key]
		if !ok {
			continue
		}
		for _, i := range idxs {
			out[i] = cloneEmbedding(vec)
		}
	}
	for i := range out {
		if out[i] == nil {
			out[i] = []float32{}
		}
	}
	return out
}

var errEmptyResponse = errors.New("embedding backend returned mismatched vectors")

func (c *Client) remote(ctx context.Context, texts []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, core.RemoteUnavailable(core.ModuleEmbedding, err, "embedding rate limit wait")
		}
	}
	start := time.Now()
	vectors, err := c.cb.Execute(func() ([][]float32, error) {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		vecs, err := c.backend.EmbedBatch(cctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("%w: got %d, want %d", errEmptyResponse, len(vecs), len(texts))
		}
		return vecs, nil
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.Remote("embedding", result, time.Since(start))
	if err != nil {
		return nil, core.RemoteUnavailable(core.ModuleEmbedding, err, "embedding batch")
	}
	return vectors, nil
}

func (c *Client) lookupLocal(key string) ([]float32, bool) {
	if c.local == nil {
		return nil, false
	}
	return c.local.Get(key)
}

func (c *Client) storeLocal(key string, vec []float32) {
	if c.local != nil {
		c.local.Add(key, cloneEmbedding(vec))
	}
}

func (c *Client) lookupShared(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !core.IsStoreNotFound(err) {
			c.log.Debug().Err(err).Str("key", key).Msg("embedding shared cache read failed")
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		c.log.Debug().Str("key", key).Msg("embedding shared cache entry malformed")
		return nil, false
	}
	return vec, true
}

func (c *Client) storeShared(ctx context.Context, key string, vec []float32) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.opts.CacheTTL); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("embedding shared cache write failed")
	}
}

func cloneEmbedding(values []float32) []float32 {
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
