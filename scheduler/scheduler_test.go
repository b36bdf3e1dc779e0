package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/candidate"
	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/counter"
	"github.com/rushteam/reqrec/store"
)

type recordingGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	active  int
	maxSeen int
	delay   time.Duration
}

func newRecordingGenerator() *recordingGenerator {
	return &recordingGenerator{calls: map[string]int{}, fail: map[string]bool{}}
}

func (g *recordingGenerator) Generate(ctx context.Context, userID string) (*candidate.Result, error) {
	g.mu.Lock()
	g.calls[userID]++
	g.active++
	g.maxSeen = max(g.maxSeen, g.active)
	fail := g.fail[userID]
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	if fail {
		return nil, errors.New("rule recall failed")
	}
	return &candidate.Result{UserID: userID}, nil
}

func (g *recordingGenerator) count(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[userID]
}

func TestRegeneratorRunOnce(t *testing.T) {
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	repo := store.NewMemoryRepository()
	day := 24 * time.Hour
	repo.PutUser(core.UserStaticProfile{UserID: "recent-login"}, now.Add(-300*day), now.Add(-2*day))
	repo.PutUser(core.UserStaticProfile{UserID: "new-user"}, now.Add(-1*day), time.Time{})
	repo.PutUser(core.UserStaticProfile{UserID: "dormant"}, now.Add(-300*day), now.Add(-30*day))
	repo.PutUser(core.UserStaticProfile{UserID: "broken"}, now, now)

	gen := newRecordingGenerator()
	gen.fail["broken"] = true
	gen.delay = 10 * time.Millisecond
	r := NewRegenerator(repo, gen, RegenerateOptions{Workers: 2}, zerolog.Nop(), nil)
	r.now = func() time.Time { return now }

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 3, stats.Users)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed, "单个用户失败不影响其他用户")
	assert.Zero(t, gen.count("dormant"))
	assert.LessOrEqual(t, gen.maxSeen, 2)
}

func TestRegeneratorCancelled(t *testing.T) {
	repo := store.NewMemoryRepository()
	for _, u := range []string{"a", "b", "c"} {
		repo.PutUser(core.UserStaticProfile{UserID: u}, time.Now(), time.Now())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := newRecordingGenerator()
	_, err := NewRegenerator(repo, gen, RegenerateOptions{}, zerolog.Nop(), nil).RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBurstTrackerThresholdAndCooldown(t *testing.T) {
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	b := NewBurstTracker(BurstOptions{Threshold: 3, Window: time.Minute})
	b.now = func() time.Time { return now }

	b.Notify("u1")
	b.Notify("u1")
	assert.Empty(t, b.Triggers())
	b.Notify("u1")
	require.Len(t, b.Triggers(), 1)

	// 刷新完成前不重复入队
	for i := 0; i < 5; i++ {
		b.Notify("u1")
	}
	assert.Len(t, b.Triggers(), 1)
	assert.Equal(t, "u1", <-b.Triggers())
	b.Done("u1")

	// 冷却期内不触发
	now = now.Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		b.Notify("u1")
	}
	assert.Empty(t, b.Triggers())

	now = now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		b.Notify("u1")
	}
	assert.Len(t, b.Triggers(), 1)
}

func TestBurstTrackerWindowSlides(t *testing.T) {
	now := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	b := NewBurstTracker(BurstOptions{Threshold: 3, Window: time.Minute})
	b.now = func() time.Time { return now }

	b.Notify("u1")
	b.Notify("u1")
	now = now.Add(2 * time.Minute)
	b.Notify("u1")
	assert.Empty(t, b.Triggers(), "窗口外的事件不计数")
	assert.Equal(t, 1, b.Sweep())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, b.Sweep())
}

func TestRefreshServiceRegenerates(t *testing.T) {
	b := NewBurstTracker(BurstOptions{Threshold: 1, Window: time.Minute})
	gen := newRecordingGenerator()
	svc := NewRefreshService(b, gen, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	b.Notify("u9")
	assert.Eventually(t, func() bool { return gen.count("u9") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFlushServiceFlushesOnTickAndShutdown(t *testing.T) {
	cache := store.NewMemoryStore()
	defer cache.Close()
	repo := store.NewMemoryRepository()
	repo.PutItem(core.ItemInfo{ID: 1, Status: core.ItemStatusPublished})
	buf := counter.NewBuffer(cache, repo, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, buf.Increment(ctx, 1))

	svc := NewFlushService(buf, 10*time.Millisecond, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		n, _ := repo.GetViewCount(context.Background(), 1)
		return n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, buf.Increment(context.Background(), 1))
	cancel()
	<-done
	n, _ := repo.GetViewCount(context.Background(), 1)
	assert.Equal(t, int64(2), n, "退出前最后刷写一次")
}
