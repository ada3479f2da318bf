// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 一个进程内的所有机器人共享同一个 Collector，按 robot label 区分。
type Collector struct {
	// 消息面指标
	commandsReceived  *prometheus.CounterVec
	commandsPublished *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec

	// 优化指标
	stepsTotal     *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	iteration      *prometheus.GaugeVec
	relativeChange *prometheus.GaugeVec

	// 团队指标
	activeRobots     *prometheus.GaugeVec
	stateTransitions *prometheus.CounterVec

	// 轮次与超时指标
	roundsTotal   *prometheus.CounterVec
	timeoutEvents *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewNop 创建一个挂在私有 Registry 上的收集器，供测试使用，
// 避免默认 Registry 的重复注册冲突。
func NewNop() *Collector {
	return NewCollectorWith(prometheus.NewRegistry(), "nop", zap.NewNop())
}

// NewCollectorWith 在指定的 Registry 上创建指标收集器。
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 消息面指标
	c.commandsReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_total",
			Help:      "Total number of coordination commands received",
		},
		[]string{"robot", "kind"},
	)

	c.commandsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_published_total",
			Help:      "Total number of coordination commands published",
		},
		[]string{"robot", "kind"},
	)

	c.messagesDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped before processing",
		},
		[]string{"robot", "reason"},
	)

	c.bytesReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received, by channel",
		},
		[]string{"robot", "channel"},
	)

	// 优化指标
	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimization_steps_total",
			Help:      "Total number of local optimization steps",
		},
		[]string{"robot", "result"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "optimization_step_duration_seconds",
			Help:      "Local optimization step duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"robot"},
	)

	c.iteration = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iteration_number",
			Help:      "Current global iteration number",
		},
		[]string{"robot"},
	)

	c.relativeChange = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relative_change",
			Help:      "Relative change of the latest optimization step",
		},
		[]string{"robot"},
	)

	// 团队指标
	c.activeRobots = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_robots",
			Help:      "Number of robots this robot currently considers active",
		},
		[]string{"robot"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of coordination state transitions",
		},
		[]string{"robot", "from_state", "to_state"},
	)

	// 轮次与超时指标
	c.roundsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of optimization rounds, by outcome",
		},
		[]string{"robot", "outcome"},
	)

	c.timeoutEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeout_events_total",
			Help:      "Total number of timeout events, by type",
		},
		[]string{"robot", "type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📨 消息面指标记录
// =============================================================================

// RecordCommandReceived 记录收到的协调命令
func (c *Collector) RecordCommandReceived(robot uint32, kind string) {
	c.commandsReceived.WithLabelValues(robotLabel(robot), kind).Inc()
}

// RecordCommandPublished 记录发布的协调命令
func (c *Collector) RecordCommandPublished(robot uint32, kind string) {
	c.commandsPublished.WithLabelValues(robotLabel(robot), kind).Inc()
}

// RecordDrop 记录被丢弃的消息及原因
func (c *Collector) RecordDrop(robot uint32, reason string) {
	c.messagesDropped.WithLabelValues(robotLabel(robot), reason).Inc()
}

// RecordBytesReceived 记录按通道统计的接收字节数
func (c *Collector) RecordBytesReceived(robot uint32, channel string, n int) {
	c.bytesReceived.WithLabelValues(robotLabel(robot), channel).Add(float64(n))
}

// =============================================================================
// 🔭 优化指标记录
// =============================================================================

// RecordStep 记录一次本地优化步
func (c *Collector) RecordStep(robot uint32, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.stepsTotal.WithLabelValues(robotLabel(robot), result).Inc()
	c.stepDuration.WithLabelValues(robotLabel(robot)).Observe(duration.Seconds())
}

// SetIteration 更新当前迭代号
func (c *Collector) SetIteration(robot uint32, iteration uint64) {
	c.iteration.WithLabelValues(robotLabel(robot)).Set(float64(iteration))
}

// SetRelativeChange 更新最近一步的相对变化量
func (c *Collector) SetRelativeChange(robot uint32, v float64) {
	c.relativeChange.WithLabelValues(robotLabel(robot)).Set(v)
}

// =============================================================================
// 🤝 团队指标记录
// =============================================================================

// SetActiveRobots 更新本机视角下的活跃机器人数
func (c *Collector) SetActiveRobots(robot uint32, n int) {
	c.activeRobots.WithLabelValues(robotLabel(robot)).Set(float64(n))
}

// RecordStateTransition 记录协调状态机转换
func (c *Collector) RecordStateTransition(robot uint32, fromState, toState string) {
	c.stateTransitions.WithLabelValues(robotLabel(robot), fromState, toState).Inc()
}

// =============================================================================
// ⏱️ 轮次与超时指标记录
// =============================================================================

// RecordRound 记录一轮优化的结束方式
func (c *Collector) RecordRound(robot uint32, outcome string) {
	c.roundsTotal.WithLabelValues(robotLabel(robot), outcome).Inc()
}

// RecordTimeout 记录一次超时事件
func (c *Collector) RecordTimeout(robot uint32, timeoutType string) {
	c.timeoutEvents.WithLabelValues(robotLabel(robot), timeoutType).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func robotLabel(robot uint32) string {
	return strconv.FormatUint(uint64(robot), 10)
}
