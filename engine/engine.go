// Package engine 是推荐引擎的对外入口。
//
// 进程启动时构造一次 Engine，通过依赖注入传给 HTTP 层、消息消费者和调度任务，不使用全局单例。
//
// 行为事件（浏览/收藏/申请）异步处理：
//   - 更新动态画像
//   - 追加浏览历史
//   - 浏览量缓冲计数 +1
//   - 通知突发行为检测，必要时提前刷新该用户的候选
//
// 对外读取（候选列表、浏览量）不返回错误，最坏情况是降级或稍旧的结果。
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/counter"
	"github.com/rushteam/reqrec/history"
	"github.com/rushteam/reqrec/metrics"
	"github.com/rushteam/reqrec/profile"
)

// CandidateSource 提供用户候选列表
type CandidateSource interface {
	GetCandidates(ctx context.Context, userID string) []int64
}

// Notifier 接收已处理的用户事件（突发行为检测）
type Notifier interface {
	Notify(userID string)
}

// ItemIndexer 按仓储中物品的最新状态同步向量索引
type ItemIndexer interface {
	SyncItem(ctx context.Context, items core.ItemRepository, itemID int64) error
}

// Deps 是 Engine 的依赖
type Deps struct {
	Items      core.ItemRepository
	Profiles   *profile.Store
	History    *history.Store
	Counter    *counter.Buffer
	Candidates CandidateSource
	// Burst 可选
	Burst Notifier
	// Indexer 可选，为 nil 时忽略物品变更
	Indexer ItemIndexer
}

// Options 配置异步事件队列
type Options struct {
	QueueSize      int           `koanf:"queue_size"`
	Workers        int           `koanf:"workers"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{QueueSize: 1024, Workers: 4, ProcessTimeout: 5 * time.Second}
}

// ErrClosed 引擎已关闭
var ErrClosed = errors.New("engine: closed")

// Engine 是推荐引擎服务
type Engine struct {
	deps    Deps
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	queue  chan core.Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New 创建引擎并启动事件处理 worker
func New(deps Deps, opts Options, log zerolog.Logger, m *metrics.Metrics) *Engine {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = def.ProcessTimeout
	}
	e := &Engine{
		deps:    deps,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
		queue:   make(chan core.Event, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ProcessTimeout)
		if err := e.Process(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("user_id", ev.Actor.ID).Int64("item_id", ev.ItemID).
				Str("type", string(ev.Type)).Msg("process event failed")
		}
		cancel()
	}
}

// OnItemView 记录一次浏览（异步）
func (e *Engine) OnItemView(ctx context.Context, actor core.Actor, itemID int64) {
	e.Track(ctx, e.event(actor, itemID, core.EventView))
}

// OnItemFavorite 记录一次收藏（异步）
func (e *Engine) OnItemFavorite(ctx context.Context, actor core.Actor, itemID int64) {
	e.Track(ctx, e.event(actor, itemID, core.EventFavorite))
}

// OnItemApply 记录一次申请（异步）
func (e *Engine) OnItemApply(ctx context.Context, actor core.Actor, itemID int64) {
	e.Track(ctx, e.event(actor, itemID, core.EventApply))
}

func (e *Engine) event(actor core.Actor, itemID int64, t core.EventType) core.Event {
	return core.Event{Actor: actor, ItemID: itemID, ItemType: core.DefaultItemType, Type: t, At: e.now()}
}

// Track 把事件放入异步队列，不阻塞调用方；队列满或已关闭时丢弃并计数
func (e *Engine) Track(_ context.Context, ev core.Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.metrics.Event(string(ev.Type), "dropped")
		return false
	}
	select {
	case e.queue <- ev:
		return true
	default:
		e.metrics.Event(string(ev.Type), "dropped")
		e.log.Warn().Str("user_id", ev.Actor.ID).Int64("item_id", ev.ItemID).Msg("event queue full, dropping event")
		return false
	}
}

// TrackWait 把事件放入异步队列，队列满时阻塞直到有空位或 ctx 结束。
// 消息消费使用它做背压：返回错误时事件未入队，调用方不应提交该消息的位点。
func (e *Engine) TrackWait(ctx context.Context, ev core.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnItemChanged 物品创建、修改或状态变化后调用，同步向量索引。
// 变为不可推荐或已删除的物品会从索引中移除。
func (e *Engine) OnItemChanged(ctx context.Context, itemID int64) error {
	if e.deps.Indexer == nil {
		return nil
	}
	if err := e.deps.Indexer.SyncItem(ctx, e.deps.Items, itemID); err != nil {
		e.log.Warn().Err(err).Int64("item_id", itemID).Msg("sync item index failed")
		return err
	}
	return nil
}

// Process 同步处理一个事件。
// 物品不存在时不做任何写入；缓存写入失败只记录日志，不影响其余步骤。
func (e *Engine) Process(ctx context.Context, ev core.Event) error {
	if ev.Actor.ID == "" {
		e.metrics.Event(string(ev.Type), "invalid")
		return core.NewDomainError(core.ModuleEngine, core.ErrorCodeInvalidInput, "engine: event without actor")
	}
	if !ev.Type.Valid() {
		e.metrics.Event(string(ev.Type), "invalid")
		return core.MalformedInput(core.ModuleEngine, "engine: unknown event type "+string(ev.Type))
	}
	if ev.ItemType == "" {
		ev.ItemType = core.DefaultItemType
	}

	infos, err := e.deps.Items.GetItems(ctx, []int64{ev.ItemID})
	if err != nil {
		e.metrics.Event(string(ev.Type), "error")
		return err
	}
	info, ok := infos[ev.ItemID]
	if !ok {
		e.metrics.Event(string(ev.Type), "unknown_item")
		return core.NewDomainError(core.ModuleEngine, core.ErrorCodeNotFound, "engine: item not found")
	}

	log := e.log.With().Str("user_id", ev.Actor.ID).Int64("item_id", ev.ItemID).Str("type", string(ev.Type)).Logger()
	result := "ok"
	if err := e.deps.Profiles.ApplyEvent(ctx, ev.Actor.ID, info, ev.Type); err != nil {
		result = "partial"
		log.Warn().Err(err).Msg("update dynamic profile failed")
	}
	if err := e.deps.History.Record(ctx, ev.Actor.ID, ev.ItemID, ev.ItemType, ev.At); err != nil {
		result = "partial"
		log.Warn().Err(err).Msg("record view history failed")
	}
	if err := e.deps.Counter.Increment(ctx, ev.ItemID); err != nil {
		result = "partial"
		log.Warn().Err(err).Msg("increment view counter failed")
	}
	if e.deps.Burst != nil {
		e.deps.Burst.Notify(ev.Actor.ID)
	}
	e.metrics.Event(string(ev.Type), result)
	return nil
}

// GetCandidates 返回用户的候选物品 id 列表，最多 300 个，最相关的在前
func (e *Engine) GetCandidates(ctx context.Context, userID string) []int64 {
	return e.deps.Candidates.GetCandidates(ctx, userID)
}

// GetViewCount 返回展示用浏览量（持久化值 + 待刷写值），读取失败返回 0
func (e *Engine) GetViewCount(ctx context.Context, itemID int64) int64 {
	n, err := e.deps.Counter.ViewCount(ctx, itemID)
	if err != nil {
		e.log.Warn().Err(err).Int64("item_id", itemID).Msg("read view count failed")
		return 0
	}
	return n
}

// Close 停止接收事件，处理完队列中已有的事件后返回
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}
