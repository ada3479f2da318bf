package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/wire"
)

// 超时检测。同步模式专用：异步模式没有全队步调，静默是常态。

const (
	// stallWarnAfter 之后开始对迭代停滞告警
	stallWarnAfter = time.Second
	// stallAbortFactor 倍超时阈值的停滞视为硬停摆
	stallAbortFactor = 3
)

// checkTimeout 监控两类停摆。命令通道静默说明协调流断了：领导者
// 先踢掉失联的机器人再决定恢复还是放弃，跟随者在与领导者失联时
// 自行复位。长时间没有成功迭代则是硬停摆，直接放弃本轮。
func (a *Agent) checkTimeout(ctx context.Context) {
	if a.params.Asynchronous {
		return
	}
	now := a.now()

	if silence := now.Sub(a.lastCommandAt); silence > a.params.TimeoutThreshold {
		a.metrics.RecordTimeout(uint32(a.params.RobotID), "command_silence")
		if a.state == StateInitialized && a.iteration > 0 {
			a.logger.Warn("command channel timed out during optimization",
				zap.Duration("silence", silence), zap.Uint64("iteration", a.iteration))
			if a.isLeader() {
				if a.dropDisconnectedActives() {
					a.publishActiveSet(ctx)
				}
				if a.team.numActive() > 1 {
					if a.params.EnableRecovery {
						a.publishRecover(ctx)
					} else {
						a.publishHardTerminate(ctx)
					}
				} else {
					a.logger.Warn("too few robots remain, aborting round")
					a.publishHardTerminate(ctx)
				}
			} else if !a.team.isConnected(a.clusterID) {
				a.logger.Warn("lost contact with the cluster leader, resetting",
					zap.Uint32("leader", uint32(a.clusterID)))
				a.resetRound(ctx, "timeout_reset", nil)
			}
		} else {
			a.logger.Warn("command channel timed out before optimization",
				zap.Duration("silence", silence), zap.String("state", string(a.state)))
			a.resetRound(ctx, "timeout_reset", nil)
			if a.isLeader() {
				a.publishHardTerminate(ctx)
			}
		}
		a.lastCommandAt = a.now()
	}

	// 硬停摆：优化开始后长期没有成功迭代
	if a.state != StateInitialized || a.iteration == 0 || a.lastStepAt.IsZero() {
		return
	}
	idle := now.Sub(a.lastStepAt)
	if idle > stallWarnAfter {
		a.warnIdle.Do(func() {
			a.logger.Warn("no successful iteration recently", zap.Duration("idle", idle))
		})
	}
	if idle > stallAbortFactor*a.params.TimeoutThreshold {
		a.logger.Error("optimization stalled, aborting round",
			zap.Duration("idle", idle), zap.Uint64("iteration", a.iteration))
		a.logEvent("TIMEOUT")
		a.metrics.RecordTimeout(uint32(a.params.RobotID), "hard_stall")
		if a.isLeader() {
			a.publishHardTerminate(ctx)
		}
		a.resetRound(ctx, "timeout_reset", nil)
	}
}

// dropDisconnectedActives 把仍然活跃但已失联的机器人移出本轮。
func (a *Agent) dropDisconnectedActives() bool {
	changed := false
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		if !a.team.isActive(rid) || a.team.isConnected(rid) {
			continue
		}
		a.logger.Warn("active robot is disconnected, deactivating", zap.Uint32("robot", uint32(rid)))
		a.setRobotActiveLocked(rid, false)
		changed = true
	}
	return changed
}
