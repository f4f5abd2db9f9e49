// Package metrics 定义虚拟通道流量的Prometheus指标。
//
// 所有记录方法都允许在nil接收者上调用，未启用指标时调用方无需判断。
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vchannel"

// 方向标签
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// 写结果标签
const (
	WriteComplete  = "complete"
	WriteCancelled = "cancelled"
)

// Metrics 通道流量指标
type Metrics struct {
	FragmentsTotal  *prometheus.CounterVec
	FragmentBytes   *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	MessageBytes    *prometheus.HistogramVec
	DroppedTotal    *prometheus.CounterVec
	WritesTotal     *prometheus.CounterVec
	StaticChannels  prometheus.Gauge
	DynamicChannels prometheus.Gauge
}

// NewMetrics 创建指标实例（未注册）
func NewMetrics() *Metrics {
	return &Metrics{
		FragmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "total",
				Help:      "Total number of channel fragments",
			},
			[]string{"direction"},
		),

		FragmentBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "bytes_total",
				Help:      "Total payload bytes carried by channel fragments",
			},
			[]string{"direction"},
		),

		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "total",
				Help:      "Total number of complete channel messages",
			},
			[]string{"direction", "channel"},
		),

		MessageBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "size_bytes",
				Help:      "Size of complete channel messages",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"direction"},
		),

		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "dropped_total",
				Help:      "Total number of dropped fragments or messages",
			},
			[]string{"reason"},
		),

		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "writes",
				Name:      "total",
				Help:      "Total number of queued writes by completion result",
			},
			[]string{"result"},
		),

		StaticChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channels",
				Name:      "static",
				Help:      "Number of registered static channels",
			},
		),

		DynamicChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channels",
				Name:      "dynamic",
				Help:      "Number of dynamic channels in the table",
			},
		),
	}
}

// Register 注册所有指标；重复注册返回已注册的采集器不视为错误
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.FragmentsTotal,
		m.FragmentBytes,
		m.MessagesTotal,
		m.MessageBytes,
		m.DroppedTotal,
		m.WritesTotal,
		m.StaticChannels,
		m.DynamicChannels,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordFragment 记录一个线路分片
func (m *Metrics) RecordFragment(direction string, size int) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(direction).Inc()
	m.FragmentBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordMessage 记录一条完整消息
func (m *Metrics) RecordMessage(direction, channel string, size int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, channel).Inc()
	m.MessageBytes.WithLabelValues(direction).Observe(float64(size))
}

// RecordDropped 记录一次丢弃
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// RecordWrite 记录一次写完成或取消
func (m *Metrics) RecordWrite(result string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(result).Inc()
}

// SetStaticChannels 设置静态通道数量
func (m *Metrics) SetStaticChannels(n int) {
	if m == nil {
		return
	}
	m.StaticChannels.Set(float64(n))
}

// SetDynamicChannels 设置动态通道数量
func (m *Metrics) SetDynamicChannels(n int) {
	if m == nil {
		return
	}
	m.DynamicChannels.Set(float64(n))
}
