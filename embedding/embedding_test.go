package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/store"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (f *fakeBackend) Model() string { return "test-model" }

func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, texts...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RateLimit = 0
	return opts
}

func TestEmbedCachesByContent(t *testing.T) {
	backend := &fakeBackend{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := store.NewMemoryStore(store.WithClock(func() time.Time { return now }))
	defer cache.Close()
	c := NewClient(backend, cache, testOptions(), zerolog.Nop(), nil)
	ctx := context.Background()

	v1 := c.Embed(ctx, "golang backend")
	v2 := c.Embed(ctx, "golang backend")
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, backend.calls, "相同文本第二次命中缓存")

	v1[0] = 999
	assert.NotEqual(t, v1, c.Embed(ctx, "golang backend"), "返回副本，调用方修改不影响缓存")

	// 新客户端（进程重启）从共享缓存读取，TTL 为 7 天
	c2 := NewClient(backend, cache, testOptions(), zerolog.Nop(), nil)
	assert.Equal(t, v2, c2.Embed(ctx, "golang backend"))
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, 7*24*time.Hour, cache.TTL(c.CacheKey("golang backend")))
}

func TestEmbedBatchDedupAndEmpty(t *testing.T) {
	backend := &fakeBackend{}
	c := NewClient(backend, nil, testOptions(), zerolog.Nop(), nil)

	out := c.EmbedBatch(context.Background(), []string{"a", "", "bb", "a"})
	require.Len(t, out, 4)
	assert.Equal(t, []float32{1, 1}, out[0])
	assert.Empty(t, out[1], "空文本返回空向量")
	assert.Equal(t, []float32{2, 1}, out[2])
	assert.Equal(t, out[0], out[3])
	assert.Equal(t, []string{"a", "bb"}, backend.texts, "重复文本只请求一次")
}

func TestEmbedFailureReturnsEmpty(t *testing.T) {
	backend := &fakeBackend{err: errors.New("503 service unavailable")}
	c := NewClient(backend, nil, testOptions(), zerolog.Nop(), nil)

	v := c.Embed(context.Background(), "anything")
	assert.NotNil(t, v)
	assert.Empty(t, v, "远端失败返回空向量而不是错误")

	backend.err = nil
	assert.NotEmpty(t, c.Embed(context.Background(), "anything"), "失败结果不被缓存")
}

func TestChunkText(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("This sentence describes the requirement in some detail. ")
	}
	text := b.String()

	chunks := ChunkText(text, ChunkSize, ChunkOverlap)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), ChunkSize)
		assert.True(t, strings.HasSuffix(c, "."), "块在句子边界结束: %q", c)
	}
	// 相邻块有重叠
	last := chunks[0][len(chunks[0])-20:]
	assert.Contains(t, chunks[1], last)

	assert.Equal(t, []string{"short text"}, ChunkText("  short text ", 300, 50))
	assert.Nil(t, ChunkText("   ", 300, 50))
}

func TestChunkTextCJKAndLongSentence(t *testing.T) {
	long := strings.Repeat("需求描述", 200) // 800 字无标点
	chunks := ChunkText(long, 300, 50)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 300)
	}

	cn := strings.Repeat("我们需要一个后端工程师。", 40)
	for _, c := range ChunkText(cn, 300, 50) {
		assert.True(t, strings.HasSuffix(c, "。"))
	}
}

func TestDedupChunks(t *testing.T) {
	a := "Build a payment gateway integration with retry and idempotency keys"
	chunks := []string{a, a, "Design the mobile onboarding flow with animations and analytics"}
	got := DedupChunks(chunks, DefaultMaxDistance)
	assert.Equal(t, []string{chunks[0], chunks[2]}, got)
	assert.Equal(t, Fingerprint(a), Fingerprint(strings.ToUpper(a)))
}
