// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 副通道状态机、重放防护
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 副通道收集器（遥控端）
// =============================================================================

// SecondaryStats 副通道状态数据接口
type SecondaryStats interface {
	SecondaryState() string
	TimeoutCount() int
}

// SecondaryStates 副通道状态全集
var SecondaryStates = []string{"disabled", "enabled", "degraded"}

// SecondaryCollector 副通道指标收集器
type SecondaryCollector struct {
	statsProvider SecondaryStats

	stateDesc    *prometheus.Desc
	timeoutsDesc *prometheus.Desc
}

// NewSecondaryCollector 创建副通道收集器
func NewSecondaryCollector(provider SecondaryStats) *SecondaryCollector {
	subsystem := "wifi"
	return &SecondaryCollector{
		statsProvider: provider,
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Secondary path state (1 = active)",
			[]string{"state"}, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "consecutive_timeouts"),
			"Timeouts since the last handshake",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SecondaryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.timeoutsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SecondaryCollector) Collect(ch chan<- prometheus.Metric) {
	current := c.statsProvider.SecondaryState()
	for _, state := range SecondaryStates {
		val := 0.0
		if state == current {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val, state)
	}
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.GaugeValue,
		float64(c.statsProvider.TimeoutCount()))
}

// =============================================================================
// 重放防护收集器（主机端）
// =============================================================================

// ReplayStats 重放防护统计接口
type ReplayStats interface {
	Stats() map[string]interface{}
}

// ReplayCollector 重放防护收集器
type ReplayCollector struct {
	statsProvider ReplayStats

	checksDesc  *prometheus.Desc
	replaysDesc *prometheus.Desc
}

// NewReplayCollector 创建重放防护收集器
func NewReplayCollector(provider ReplayStats) *ReplayCollector {
	subsystem := "replay"
	return &ReplayCollector{
		statsProvider: provider,
		checksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "checks_total"),
			"Nonces checked by the replay guard",
			nil, nil,
		),
		replaysDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "hits_total"),
			"Nonces rejected as replays",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ReplayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checksDesc
	ch <- c.replaysDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ReplayCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.Stats()
	ch <- prometheus.MustNewConstMetric(c.checksDesc, prometheus.CounterValue, toFloat(stats["checks"]))
	ch <- prometheus.MustNewConstMetric(c.replaysDesc, prometheus.CounterValue, toFloat(stats["replays"]))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case uint64:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
