// Package scheduler 提供后台任务：浏览量刷写、活跃用户候选的定时重算、突发行为触发的即时刷新。
//
// 所有任务实现 suture.Service，由 Supervisor 统一启动、重启与优雅退出。
package scheduler

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/rushteam/reqrec/logging"
)

// SupervisorConfig 配置监督树
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// DefaultSupervisorConfig 与 suture 的默认值一致
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewSupervisor 创建根监督者，suture 事件通过 slog 桥接写入 zerolog
func NewSupervisor(name string, cfg SupervisorConfig, log zerolog.Logger) *suture.Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger(logging.Component(log, "supervisor"))}
	return suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}
