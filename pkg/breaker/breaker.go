// Package breaker 构造统一配置的熔断器，供远端调用（向量索引、Embedding 服务）使用。
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/reqrec/metrics"
)

// Config 熔断器参数
type Config struct {
	// MaxRequests 半开状态允许通过的请求数
	MaxRequests uint32 `koanf:"max_requests"`
	// Interval 闭合状态下计数清零周期
	Interval time.Duration `koanf:"interval"`
	// Timeout 打开状态持续多久后进入半开
	Timeout time.Duration `koanf:"timeout"`
	// FailureThreshold 连续失败多少次后打开
	FailureThreshold uint32 `koanf:"failure_threshold"`
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// New 创建熔断器，状态变化写日志和指标
func New[T any](name string, cfg Config, log zerolog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker[T] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			m.Breaker(name, stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// IsOpen 判断错误是否由熔断器拒绝产生
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
