package coordination

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/dpgoflow/config"
	"github.com/BaSui01/dpgoflow/wire"
)

// UpdateRule 决定领导者如何挑选下一个执行 UPDATE 的机器人。
type UpdateRule string

const (
	// UpdateRuleUniform 在活跃机器人中均匀随机挑选
	UpdateRuleUniform UpdateRule = "uniform"
	// UpdateRuleRoundRobin 按编号轮转挑选
	UpdateRuleRoundRobin UpdateRule = "round_robin"
)

// defaultMaxIterations 在非鲁棒模式下且未显式配置时的单轮迭代上限。
const defaultMaxIterations = 1000

// Params 汇集一个协调 Agent 的全部运行参数。
// 字段在 Agent 创建时固定；一轮优化开始后不再变更。
type Params struct {
	// --- 身份 ---
	RobotID    wire.RobotID
	TeamSize   int
	NamePrefix string
	// Namespace 是总线话题的公共前缀，同一支队伍必须一致
	Namespace string

	// --- 迭代协调 ---
	Asynchronous         bool
	AsyncRate            float64
	Acceleration         bool
	RestartInterval      int
	UpdateRule           UpdateRule
	MaxDelayedIterations int
	RelChangeTol         float64
	// MaxIterations 为 0 时按 EffectiveMaxIterations 推导
	MaxIterations uint64

	// --- 超时与恢复 ---
	TimeoutThreshold time.Duration
	EnableRecovery   bool
	CompleteReset    bool

	// --- 初始化 ---
	SynchronizeMeasurements bool
	MaxInitRetries          int

	// --- 控制循环节奏 ---
	InterUpdateDelay  time.Duration
	SpinInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaderIdleKick    time.Duration
	WarmupCount       int
	WarmupInterval    time.Duration

	// --- 鲁棒优化（GNC）---
	RobustEnabled          bool
	RobustInnerIters       int
	RobustMaxWeightUpdates int
	WeightConvergenceTol   float64
	MinConvergenceRatio    float64
}

// ParamsFromConfig 把加载好的节点配置压平成协调参数。
func ParamsFromConfig(cfg *config.Config) Params {
	maxIter := cfg.Coordination.MaxIterations
	if maxIter < 0 {
		maxIter = 0
	}
	return Params{
		RobotID:    wire.RobotID(cfg.Robot.ID),
		TeamSize:   cfg.Robot.TeamSize,
		NamePrefix: cfg.Robot.NamePrefix,
		Namespace:  cfg.Bus.Namespace,

		Asynchronous:         cfg.Coordination.Asynchronous,
		AsyncRate:            cfg.Coordination.AsyncRate,
		Acceleration:         cfg.Coordination.Acceleration,
		RestartInterval:      cfg.Coordination.RestartInterval,
		UpdateRule:           UpdateRule(cfg.Coordination.UpdateRule),
		MaxDelayedIterations: cfg.Coordination.MaxDelayedIterations,
		RelChangeTol:         cfg.Coordination.RelChangeTol,
		MaxIterations:        uint64(maxIter),

		TimeoutThreshold: cfg.Coordination.TimeoutThreshold,
		EnableRecovery:   cfg.Coordination.EnableRecovery,
		CompleteReset:    cfg.Coordination.CompleteReset,

		SynchronizeMeasurements: cfg.Coordination.SynchronizeMeasurements,
		MaxInitRetries:          cfg.Coordination.MaxInitRetries,

		InterUpdateDelay:  cfg.Coordination.InterUpdateDelay,
		SpinInterval:      cfg.Coordination.SpinInterval,
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		LeaderIdleKick:    cfg.Coordination.LeaderIdleKick,
		WarmupCount:       cfg.Coordination.WarmupCount,
		WarmupInterval:    cfg.Coordination.WarmupInterval,

		RobustEnabled:          cfg.Robust.Enabled,
		RobustInnerIters:       cfg.Robust.InnerIters,
		RobustMaxWeightUpdates: cfg.Robust.MaxWeightUpdates,
		WeightConvergenceTol:   cfg.Robust.WeightConvergenceTol,
		MinConvergenceRatio:    cfg.Robust.MinConvergenceRatio,
	}
}

// EffectiveMaxIterations 返回本轮实际生效的迭代上限。
// 鲁棒模式下默认跑满全部权重更新轮次：(更新次数+1)×内层迭代数-2。
func (p Params) EffectiveMaxIterations() uint64 {
	if p.MaxIterations > 0 {
		return p.MaxIterations
	}
	if p.RobustEnabled {
		n := (p.RobustMaxWeightUpdates+1)*p.RobustInnerIters - 2
		if n < 1 {
			n = 1
		}
		return uint64(n)
	}
	return defaultMaxIterations
}

// Validate 校验参数组合是否可运行。
func (p Params) Validate() error {
	var errs []string

	if p.TeamSize <= 0 {
		errs = append(errs, "team size must be positive")
	}
	if int(p.RobotID) >= p.TeamSize {
		errs = append(errs, fmt.Sprintf("robot id %d out of range for team of %d", p.RobotID, p.TeamSize))
	}
	if p.Namespace == "" {
		errs = append(errs, "namespace must not be empty")
	}
	switch p.UpdateRule {
	case UpdateRuleUniform, UpdateRuleRoundRobin:
	default:
		errs = append(errs, fmt.Sprintf("unknown update rule %q", p.UpdateRule))
	}
	if p.Asynchronous && p.AsyncRate <= 0 {
		errs = append(errs, "async rate must be positive in asynchronous mode")
	}
	if p.MaxDelayedIterations < 0 {
		errs = append(errs, "max delayed iterations must not be negative")
	}
	if p.RelChangeTol <= 0 {
		errs = append(errs, "relative change tolerance must be positive")
	}
	if p.TimeoutThreshold <= 0 {
		errs = append(errs, "timeout threshold must be positive")
	}
	if p.SpinInterval <= 0 {
		errs = append(errs, "spin interval must be positive")
	}
	if p.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat interval must be positive")
	}
	if p.RobustEnabled {
		if p.RobustInnerIters <= 0 {
			errs = append(errs, "robust inner iterations must be positive")
		}
		if p.RobustMaxWeightUpdates <= 0 {
			errs = append(errs, "robust max weight updates must be positive")
		}
		if p.WeightConvergenceTol <= 0 || p.WeightConvergenceTol >= 1 {
			errs = append(errs, "weight convergence tolerance must be in (0, 1)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid coordination params: %s", strings.Join(errs, "; "))
	}
	return nil
}
