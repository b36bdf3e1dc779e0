package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/reqrec/counter"
)

// Flusher 刷写待持久化的浏览量
type Flusher interface {
	FlushAll(ctx context.Context) (counter.FlushStats, error)
}

// FlushService 定时刷写浏览量缓冲计数
type FlushService struct {
	flusher  Flusher
	interval time.Duration
	log      zerolog.Logger
}

// NewFlushService 创建刷写任务，interval <= 0 时为 3 分钟
func NewFlushService(f Flusher, interval time.Duration, log zerolog.Logger) *FlushService {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	return &FlushService{flusher: f, interval: interval, log: log}
}

// Serve 实现 suture.Service。
// 取消只在两个计数器之间生效，退出前再做一次有时限的刷写。
func (s *FlushService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.flush(final)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *FlushService) flush(ctx context.Context) {
	stats, err := s.flusher.FlushAll(ctx)
	if err != nil {
		s.log.Warn().Err(err).Int("flushed", stats.Flushed).Msg("view counter flush incomplete")
	}
}

func (s *FlushService) String() string { return "view-counter-flush" }
