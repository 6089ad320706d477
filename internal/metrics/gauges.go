// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）- 遥控端链路与主机端会话
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slidelink"

// 图片来源标签
const (
	PathPrimary   = "primary"
	PathSecondary = "secondary"
)

// LinkMetrics 遥控端链路指标
type LinkMetrics struct {
	State          prometheus.Gauge
	ConnectsTotal  *prometheus.CounterVec
	Reconnects     prometheus.Counter
	Desyncs        prometheus.Counter
	CommandsSent   *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	Images         *prometheus.CounterVec
	ImageBytes     prometheus.Histogram
	WifiTimeouts   prometheus.Counter
	WifiFailures   prometheus.Counter
	FetchLatency   prometheus.Histogram
	QueueLength    prometheus.Gauge
}

// NewLinkMetrics 创建链路指标，registry 为 nil 时不注册（测试使用）
func NewLinkMetrics(registry prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "Primary link state (0 = not connected, 1 = connecting, 2 = connected)",
		}),
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connects_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts",
		}),
		Desyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "desyncs_total",
			Help:      "Connections torn down after an unrecognised tag",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_sent_total",
			Help:      "Commands written to the primary link",
		}, []string{"command"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the primary link",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the primary link",
		}),
		Images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Screenshots delivered by transport path",
		}, []string{"path"}),
		ImageBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_bytes",
			Help:      "Screenshot payload size",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),
		WifiTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wifi",
			Name:      "timeouts_total",
			Help:      "Secondary fetches that lost the race against the timer",
		}),
		WifiFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wifi",
			Name:      "failures_total",
			Help:      "Secondary fetches that failed",
		}),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wifi",
			Name:      "fetch_seconds",
			Help:      "Secondary fetch latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5, 10},
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "send_queue_length",
			Help:      "Commands waiting in the send queue",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.State,
			m.ConnectsTotal,
			m.Reconnects,
			m.Desyncs,
			m.CommandsSent,
			m.BytesSent,
			m.BytesReceived,
			m.Images,
			m.ImageBytes,
			m.WifiTimeouts,
			m.WifiFailures,
			m.FetchLatency,
			m.QueueLength,
		)
	}
	return m
}

// RecordConnect 记录连接结果 ok / failed
func (m *LinkMetrics) RecordConnect(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ConnectsTotal.WithLabelValues(result).Inc()
}

// RecordState 记录链路状态
func (m *LinkMetrics) RecordState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

// RecordReconnect 记录自动重连
func (m *LinkMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordDesync 记录失步
func (m *LinkMetrics) RecordDesync() {
	if m == nil {
		return
	}
	m.Desyncs.Inc()
}

// RecordCommand 记录已写出的命令
func (m *LinkMetrics) RecordCommand(cmd string, n int) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(cmd).Inc()
	m.BytesSent.Add(float64(n))
}

// RecordReceived 记录读取字节
func (m *LinkMetrics) RecordReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordImage 记录截图交付
func (m *LinkMetrics) RecordImage(path string, size int) {
	if m == nil {
		return
	}
	m.Images.WithLabelValues(path).Inc()
	m.ImageBytes.Observe(float64(size))
}

// RecordWifiTimeout 记录副通道超时
func (m *LinkMetrics) RecordWifiTimeout() {
	if m == nil {
		return
	}
	m.WifiTimeouts.Inc()
}

// RecordWifiFailure 记录副通道失败
func (m *LinkMetrics) RecordWifiFailure() {
	if m == nil {
		return
	}
	m.WifiFailures.Inc()
}

// RecordFetch 记录副通道耗时
func (m *LinkMetrics) RecordFetch(seconds float64) {
	if m == nil {
		return
	}
	m.FetchLatency.Observe(seconds)
}

// SetQueueLength 更新发送队列长度
func (m *LinkMetrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// =============================================================================
// 主机端
// =============================================================================

// HostMetrics 主机端指标
type HostMetrics struct {
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	Screenshots    *prometheus.CounterVec
	AuthRejects    *prometheus.CounterVec
	Errors         *prometheus.CounterVec
}

// NewHostMetrics 创建主机端指标，registry 为 nil 时不注册
func NewHostMetrics(registry prometheus.Registerer) *HostMetrics {
	m := &HostMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "active_sessions",
			Help:      "Number of open remote sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "sessions_total",
			Help:      "Sessions by secondary upgrade outcome",
		}, []string{"wifi"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "commands_total",
			Help:      "Commands received from remotes",
		}, []string{"command"}),
		Screenshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "screenshots_total",
			Help:      "Screenshots served by transport path",
		}, []string{"path"}),
		AuthRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "auth_rejects_total",
			Help:      "Secondary requests rejected by reason",
		}, []string{"reason"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "errors_total",
			Help:      "Errors by type",
		}, []string{"type"}),
	}

	if registry != nil {
		registry.MustRegister(
			m.ActiveSessions,
			m.SessionsTotal,
			m.Commands,
			m.Screenshots,
			m.AuthRejects,
			m.Errors,
		)
	}
	return m
}

// RecordSession 记录会话开启 / 关闭
func (m *HostMetrics) RecordSession(opened bool, wifi bool) {
	if m == nil {
		return
	}
	if !opened {
		m.ActiveSessions.Dec()
		return
	}
	m.ActiveSessions.Inc()
	label := "no"
	if wifi {
		label = "yes"
	}
	m.SessionsTotal.WithLabelValues(label).Inc()
}

// RecordCommand 记录收到的命令
func (m *HostMetrics) RecordCommand(cmd string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmd).Inc()
}

// RecordScreenshot 记录截图
func (m *HostMetrics) RecordScreenshot(path string) {
	if m == nil {
		return
	}
	m.Screenshots.WithLabelValues(path).Inc()
}

// RecordAuthReject 记录鉴权拒绝
func (m *HostMetrics) RecordAuthReject(reason string) {
	if m == nil {
		return
	}
	m.AuthRejects.WithLabelValues(reason).Inc()
}

// RecordError 记录错误
func (m *HostMetrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(errorType).Inc()
}
