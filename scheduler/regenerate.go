package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/reqrec/candidate"
	"github.com/rushteam/reqrec/core"
	"github.com/rushteam/reqrec/metrics"
)

// Generator 为单个用户重算候选
type Generator interface {
	Generate(ctx context.Context, userID string) (*candidate.Result, error)
}

// RegenerateOptions 配置定时重算
type RegenerateOptions struct {
	Interval     time.Duration `koanf:"interval"`
	ActiveWindow time.Duration `koanf:"active_window"`
	Workers      int           `koanf:"workers"`
	UserTimeout  time.Duration `koanf:"user_timeout"`
	RunOnStart   bool          `koanf:"run_on_start"`
}

// DefaultRegenerateOptions 每天一次，最近 7 天活跃，8 个 worker
func DefaultRegenerateOptions() RegenerateOptions {
	return RegenerateOptions{
		Interval:     24 * time.Hour,
		ActiveWindow: 7 * 24 * time.Hour,
		Workers:      8,
		UserTimeout:  30 * time.Second,
	}
}

// RunStats 是一轮重算的统计
type RunStats struct {
	RunID     string
	Users     int
	Succeeded int64
	Failed    int64
}

// Regenerator 定时为活跃用户重算候选。
// 用户之间没有共享状态，通过有上限的 worker 池并行；单个用户失败只记录，不中断整轮。
type Regenerator struct {
	users   core.UserRepository
	gen     Generator
	opts    RegenerateOptions
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewRegenerator 创建定时重算任务
func NewRegenerator(users core.UserRepository, gen Generator, opts RegenerateOptions, log zerolog.Logger, m *metrics.Metrics) *Regenerator {
	def := DefaultRegenerateOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = def.UserTimeout
	}
	return &Regenerator{users: users, gen: gen, opts: opts, now: time.Now, log: log, metrics: m}
}

// RunOnce 执行一轮重算。ctx 取消时停止派发新用户，已开始的用户在各自超时内结束。
func (r *Regenerator) RunOnce(ctx context.Context) (RunStats, error) {
	stats := RunStats{RunID: uuid.NewString()}
	log := r.log.With().Str("run_id", stats.RunID).Logger()

	users, err := r.users.ListActiveUsers(ctx, r.now().Add(-r.opts.ActiveWindow))
	if err != nil {
		return stats, err
	}
	stats.Users = len(users)
	log.Info().Int("users", len(users)).Msg("candidate regeneration started")
	start := time.Now()

	var ok, failed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)
	for _, userID := range users {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			uctx, cancel := context.WithTimeout(egCtx, r.opts.UserTimeout)
			defer cancel()
			if _, err := r.gen.Generate(uctx, userID); err != nil {
				failed.Add(1)
				r.metrics.Regenerated("error")
				log.Warn().Err(err).Str("user_id", userID).Msg("regenerate user failed")
				return nil
			}
			ok.Add(1)
			r.metrics.Regenerated("ok")
			return nil
		})
	}
	_ = eg.Wait()

	stats.Succeeded, stats.Failed = ok.Load(), failed.Load()
	log.Info().
		Int64("succeeded", stats.Succeeded).
		Int64("failed", stats.Failed).
		Dur("took", time.Since(start)).
		Msg("candidate regeneration finished")
	return stats, ctx.Err()
}

// Serve 实现 suture.Service
func (r *Regenerator) Serve(ctx context.Context) error {
	if r.opts.RunOnStart {
		r.run(ctx)
	}
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *Regenerator) run(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("candidate regeneration failed")
	}
}

func (r *Regenerator) String() string { return "candidate-regenerator" }
