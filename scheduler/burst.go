package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BurstOptions 配置突发行为检测
type BurstOptions struct {
	// Threshold 窗口内事件数达到该值时触发刷新
	Threshold int           `koanf:"threshold"`
	Window    time.Duration `koanf:"window"`
	// Cooldown 同一用户两次触发的最小间隔，<=0 时等于 Window
	Cooldown  time.Duration `koanf:"cooldown"`
	QueueSize int           `koanf:"queue_size"`
	Timeout   time.Duration `koanf:"timeout"`
}

// DefaultBurstOptions 2 分钟内 5 个事件
func DefaultBurstOptions() BurstOptions {
	return BurstOptions{Threshold: 5, Window: 2 * time.Minute, QueueSize: 256, Timeout: 30 * time.Second}
}

// BurstTracker 统计每个用户滑动窗口内的事件数，达到阈值时把用户放入刷新队列。
// 同一用户在刷新完成前不会重复入队，触发后有冷却期。
type BurstTracker struct {
	opts BurstOptions
	now  func() time.Time

	mu       sync.Mutex
	events   map[string][]time.Time
	pending  map[string]struct{}
	lastFire map[string]time.Time
	ch       chan string
}

// NewBurstTracker 创建突发行为检测
func NewBurstTracker(opts BurstOptions) *BurstTracker {
	def := DefaultBurstOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = opts.Window
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &BurstTracker{
		opts:     opts,
		now:      time.Now,
		events:   make(map[string][]time.Time),
		pending:  make(map[string]struct{}),
		lastFire: make(map[string]time.Time),
		ch:       make(chan string, opts.QueueSize),
	}
}

// Notify 记录用户的一次事件
func (b *BurstTracker) Notify(userID string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := prune(b.events[userID], now.Add(-b.opts.Window))
	ts = append(ts, now)
	b.events[userID] = ts
	if len(ts) < b.opts.Threshold {
		return
	}
	if _, ok := b.pending[userID]; ok {
		return
	}
	if last, ok := b.lastFire[userID]; ok && now.Sub(last) < b.opts.Cooldown {
		return
	}
	select {
	case b.ch <- userID:
		b.pending[userID] = struct{}{}
		b.lastFire[userID] = now
		delete(b.events, userID)
	default:
		// 队列满，等下一个事件再试
	}
}

// Triggers 返回待刷新用户的队列
func (b *BurstTracker) Triggers() <-chan string {
	return b.ch
}

// Done 标记用户刷新完成
func (b *BurstTracker) Done(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, userID)
}

// Sweep 清理窗口外的事件与过期的冷却记录，返回仍在跟踪的用户数
func (b *BurstTracker) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	for u, ts := range b.events {
		if ts = prune(ts, now.Add(-b.opts.Window)); len(ts) == 0 {
			delete(b.events, u)
		} else {
			b.events[u] = ts
		}
	}
	for u, last := range b.lastFire {
		if now.Sub(last) >= b.opts.Cooldown {
			delete(b.lastFire, u)
		}
	}
	return len(b.events)
}

// prune 去掉 since 之前的时间戳（ts 按时间递增）
func prune(ts []time.Time, since time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(since) {
		i++
	}
	return ts[i:]
}

// RefreshService 消费 BurstTracker 的触发队列，为用户即时重算候选
type RefreshService struct {
	tracker *BurstTracker
	gen     Generator
	log     zerolog.Logger
}

// NewRefreshService 创建即时刷新任务
func NewRefreshService(tracker *BurstTracker, gen Generator, log zerolog.Logger) *RefreshService {
	return &RefreshService{tracker: tracker, gen: gen, log: log}
}

// Serve 实现 suture.Service
func (s *RefreshService) Serve(ctx context.Context) error {
	sweep := time.NewTicker(s.tracker.opts.Window)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.tracker.Sweep()
		case userID := <-s.tracker.Triggers():
			s.refresh(ctx, userID)
		}
	}
}

func (s *RefreshService) refresh(ctx context.Context, userID string) {
	defer s.tracker.Done(userID)
	rctx, cancel := context.WithTimeout(ctx, s.tracker.opts.Timeout)
	defer cancel()
	if _, err := s.gen.Generate(rctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("burst refresh failed")
		return
	}
	s.log.Debug().Str("user_id", userID).Msg("candidates refreshed after activity burst")
}

func (s *RefreshService) String() string { return "burst-refresh" }
