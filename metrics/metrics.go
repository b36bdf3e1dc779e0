// Package metrics 定义候选生成相关的 Prometheus 指标。
//
// Metrics 通过 New(registerer) 构造并注入各组件；所有方法对 nil 接收者安全，
// 组件在未注入指标时无需判空。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reqrec"

// Metrics 聚合所有指标
type Metrics struct {
	GenerationSeconds prometheus.Histogram
	Generations       *prometheus.CounterVec
	Degraded          *prometheus.CounterVec
	CounterFlush      *prometheus.CounterVec
	EmbeddingCache    *prometheus.CounterVec
	Events            *prometheus.CounterVec
	Regeneration      *prometheus.CounterVec
	RemoteSeconds     *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Duration of one user's candidate generation",
			Buckets:   prometheus.DefBuckets,
		}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_total",
			Help:      "Candidate generations by result (ok, degraded, failed, cache_hit, stale)",
		}, []string{"result"}),
		Degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Degraded code paths taken",
		}, []string{"path"}),
		CounterFlush: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_flush_total",
			Help:      "View counter flush outcomes per item",
		}, []string{"outcome"}),
		EmbeddingCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result (l1_hit, l2_hit, miss, error)",
		}, []string{"result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Behavior events by type and result",
		}, []string{"type", "result"}),
		Regeneration: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regeneration_users_total",
			Help:      "Users processed by scheduled regeneration",
		}, []string{"result"}),
		RemoteSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_seconds",
			Help:      "Remote call latency (embedding backend, vector index)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"target", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}
}

// ObserveGeneration 记录一次生成
func (m *Metrics) ObserveGeneration(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.GenerationSeconds.Observe(d.Seconds())
	m.Generations.WithLabelValues(result).Inc()
}

// Degrade 记录一次降级
func (m *Metrics) Degrade(path string) {
	if m == nil {
		return
	}
	m.Degraded.WithLabelValues(path).Inc()
}

// Flush 记录计数刷写结果
func (m *Metrics) Flush(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CounterFlush.WithLabelValues(outcome).Add(float64(n))
}

// Cache 记录 Embedding 缓存查找结果
func (m *Metrics) Cache(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EmbeddingCache.WithLabelValues(result).Add(float64(n))
}

// Event 记录行为事件处理结果
func (m *Metrics) Event(eventType, result string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType, result).Inc()
}

// Regenerated 记录定时重算的单个用户结果
func (m *Metrics) Regenerated(result string) {
	if m == nil {
		return
	}
	m.Regeneration.WithLabelValues(result).Inc()
}

// Remote 记录远端调用耗时
func (m *Metrics) Remote(target, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteSeconds.WithLabelValues(target, result).Observe(d.Seconds())
}

// Breaker 记录熔断器状态
func (m *Metrics) Breaker(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
