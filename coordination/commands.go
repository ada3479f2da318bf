package coordination

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/persistence"
	"github.com/BaSui01/dpgoflow/solver"
	"github.com/BaSui01/dpgoflow/wire"
)

// 命令执行。总在控制循环里按到达顺序运行，锁已持有。

func (a *Agent) executeCommand(ctx context.Context, cmd wire.Command) {
	switch cmd.Kind {
	case wire.CmdRequestPoseGraph:
		a.executeRequestPoseGraph(ctx, cmd)
	case wire.CmdInitialize:
		a.executeInitialize(ctx, cmd)
	case wire.CmdUpdate:
		a.executeUpdate(ctx, cmd)
	case wire.CmdUpdateWeight:
		a.executeUpdateWeight(ctx, cmd)
	case wire.CmdRecover:
		a.executeRecover(ctx, cmd)
	case wire.CmdTerminate:
		a.executeTerminate(ctx, cmd)
	case wire.CmdHardTerminate:
		a.executeHardTerminate(ctx, cmd)
	case wire.CmdSetActiveRobots:
		a.executeSetActiveRobots(ctx, cmd)
	case wire.CmdNoop:
	default:
		a.logger.Error("unknown command", zap.String("kind", string(cmd.Kind)))
	}
}

// executeRequestPoseGraph 开启新一轮：拉取本地位姿图、装入求解器、
// 打开本轮 CSV 日志。领导者紧接着广播 INITIALIZE，拉取失败则放弃本轮。
func (a *Agent) executeRequestPoseGraph(ctx context.Context, cmd wire.Command) {
	if cmd.PublishingRobot != a.clusterID {
		a.logger.Warn("pose graph request from non-leader ignored",
			zap.Uint32("from", uint32(cmd.PublishingRobot)))
		return
	}
	a.logger.Info("received pose graph request", zap.Uint64("instance", a.instance))

	if a.state != StateWaitForData {
		a.logger.Warn("pose graph request arrived mid-round, resetting first",
			zap.String("state", string(a.state)))
		a.resetRound(ctx, "", nil)
	}
	a.applyActiveSetLocked(cmd.ActiveRobots)

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	edges, err := a.source.Fetch(fetchCtx, a.params.RobotID)
	cancel()

	ok := err == nil && len(edges) > 1
	if err != nil {
		a.logger.Error("failed to fetch local pose graph", zap.Error(err))
	} else if !ok {
		a.logger.Warn("received empty pose graph", zap.Int("edges", len(edges)))
	}

	if ok {
		added, perr := a.solver.SetPartition(edges)
		if perr != nil {
			a.logger.Error("failed to load pose graph", zap.Error(perr))
			ok = false
		} else {
			a.havePartition = true
			a.refreshNeighbors()
			a.logger.Info("loaded local pose graph",
				zap.Int("measurements", added), zap.Int("neighbors", len(a.neighborSet)))
		}
	}

	if ok {
		if a.params.SynchronizeMeasurements {
			// 共享闭环在 INITIALIZE 阶段逐机交换，本机先给自己记到账
			a.team.markMeasurementsFrom(a.params.RobotID)
		} else {
			a.team.markAllMeasurements()
		}
		if a.logDir != "" {
			if a.iterLog != nil {
				_ = a.iterLog.Close()
			}
			log, lerr := persistence.CreateRoundLog(a.logDir, a.now().Sub(a.launchAt), a.logger)
			if lerr != nil {
				a.logger.Warn("cannot open round log", zap.Error(lerr))
			} else {
				a.iterLog = log
			}
		}
		a.box.Raise(IntentTryInitialize)
		a.setState(StateWaitForInit)
	}

	a.publishStatus(ctx)
	if a.isLeader() {
		if !ok {
			a.logger.Error("leader has no usable pose graph, aborting round")
			a.publishHardTerminate(ctx)
			return
		}
		a.publishAnchor(ctx)
		a.publishInitialize(ctx)
	}
}

// executeInitialize 交换共享数据并发布状态。领导者同时盘点全队：
// 重试未就绪的初始化，凑不齐两台就放弃，凑齐了就裁定活跃集合并开跑。
func (a *Agent) executeInitialize(ctx context.Context, cmd wire.Command) {
	if cmd.PublishingRobot != a.clusterID {
		a.logger.Warn("initialize command from non-leader ignored",
			zap.Uint32("from", uint32(cmd.PublishingRobot)))
		return
	}
	a.roundStartAt = a.now()
	a.publishSharedMeasurements(ctx)
	a.publishBoundary(ctx, false)
	a.publishStatus(ctx)

	if !a.isLeader() {
		return
	}
	a.publishLiftingMatrix(ctx)
	a.publishActiveSet(ctx)

	allInitialized := true
	numInitialized := 0
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		if !a.team.isActive(rid) {
			continue
		}
		if rid == a.params.RobotID {
			if a.state == StateInitialized {
				numInitialized++
			} else {
				allInitialized = false
			}
			continue
		}
		st, ok := a.sameClusterStatus(rid)
		if !ok {
			a.logger.Warn("robot status not available yet", zap.Uint32("robot", uint32(rid)))
			allInitialized = false
			continue
		}
		switch State(st.State) {
		case StateWaitForData:
			a.logger.Warn("robot has not received its pose graph", zap.Uint32("robot", uint32(rid)))
			allInitialized = false
		case StateWaitForInit:
			a.logger.Warn("robot is not initialized in the global frame", zap.Uint32("robot", uint32(rid)))
			allInitialized = false
		case StateInitialized:
			numInitialized++
		}
	}

	if !allInitialized && a.initStepsDone <= a.params.MaxInitRetries {
		a.box.Raise(IntentPublishInit)
		return
	}
	if numInitialized > 1 {
		// 裁定本轮参与者：活跃、已初始化且仍连通
		for r := 0; r < a.params.TeamSize; r++ {
			rid := wire.RobotID(r)
			active := a.team.isActive(rid) && a.robotInitialized(rid) && a.team.isConnected(rid)
			a.setRobotActiveLocked(rid, active)
		}
		a.logger.Info("starting distributed optimization",
			zap.Int("active_robots", a.team.numActive()),
			zap.Int("init_attempts", a.initStepsDone))
		a.publishActiveSet(ctx)
		a.publishUpdate(ctx, a.params.RobotID)
		return
	}
	a.logger.Warn("not enough robots initialized, aborting round",
		zap.Int("initialized", numInitialized))
	a.publishHardTerminate(ctx)
}

// executeUpdate 记录指派的迭代：轮到自己就安排计划迭代，
// 轮到别人就登记一次跟进。
func (a *Agent) executeUpdate(ctx context.Context, cmd wire.Command) {
	if a.params.Asynchronous {
		a.logger.Warn("update command ignored in asynchronous mode")
		return
	}
	if !a.team.isActive(a.params.RobotID) {
		a.logger.Warn("deactivated, ignoring update command")
		return
	}
	if a.state != StateInitialized {
		a.logger.Warn("not initialized, ignoring update command", zap.String("state", string(a.state)))
		return
	}

	if a.team.inRange(cmd.ExecutingRobot) {
		a.team.iterRequired[cmd.ExecutingRobot] = cmd.ExecutingIteration
	}
	if cmd.ExecutingIteration != a.iteration+1 {
		a.logger.Warn("update iteration does not match local iteration",
			zap.Uint64("commanded", cmd.ExecutingIteration),
			zap.Uint64("local", a.iteration))
	}

	if cmd.ExecutingRobot == a.params.RobotID {
		a.box.Raise(IntentScheduledStep)
		a.logger.Debug("scheduled to iterate", zap.Uint64("iteration", cmd.ExecutingIteration))
	} else {
		a.box.Raise(IntentCatchUpStep)
	}
}

// executeUpdateWeight 重估共享闭环的鲁棒权重，要求所有邻居先同步到
// 本机迭代，然后广播新权重。
func (a *Agent) executeUpdateWeight(ctx context.Context, cmd wire.Command) {
	if a.params.Asynchronous {
		a.logger.Warn("weight update command ignored in asynchronous mode")
		return
	}
	if !a.team.isActive(a.params.RobotID) {
		a.logger.Warn("deactivated, ignoring weight update command")
		return
	}
	a.logEvent("UPDATE_WEIGHT")

	updated := a.solver.RecomputeWeights()
	a.weightUpdates++
	a.lastWeightIter = a.iteration
	a.logger.Info("recomputed measurement weights",
		zap.Int("weights", len(updated)), zap.Int("update_count", a.weightUpdates))

	for _, nb := range a.solver.Neighbors() {
		if a.team.inRange(nb) {
			a.team.iterRequired[nb] = a.iteration
		}
	}
	a.logger.Warn("requiring neighbors to reach local iteration", zap.Uint64("iteration", a.iteration))

	a.box.Raise(IntentPublishWeights)
	a.box.Raise(IntentPublishBoundary)
	a.publishStatus(ctx)
	if a.isLeader() {
		a.publishNextUpdate(ctx)
	}
}

// executeRecover 把全队拉回同一迭代号，清掉作废的计划迭代。
func (a *Agent) executeRecover(ctx context.Context, cmd wire.Command) {
	if a.params.Asynchronous {
		a.logger.Warn("recover command ignored in asynchronous mode")
		return
	}
	if !a.team.isActive(a.params.RobotID) || a.state != StateInitialized {
		return
	}

	a.iteration = cmd.ExecutingIteration
	a.box.Clear(IntentScheduledStep)
	for _, nb := range a.solver.Neighbors() {
		if !a.team.inRange(nb) {
			continue
		}
		a.team.iterRequired[nb] = a.iteration
		a.team.iterReceived[nb] = 0
	}
	a.logger.Warn("recovered iteration number", zap.Uint64("iteration", a.iteration))
	a.metrics.SetIteration(uint32(a.params.RobotID), a.iteration)

	if a.isLeader() {
		a.logger.Warn("leader resumes optimization after recovery")
		a.publishUpdate(ctx, a.params.RobotID)
	}
}

// executeTerminate 正常收轮：鲁棒模式先定格权重并广播，
// 然后快照轨迹、落轮次摘要、复位。
func (a *Agent) executeTerminate(ctx context.Context, cmd wire.Command) {
	if !a.team.isActive(a.params.RobotID) {
		a.resetRound(ctx, "terminate", nil)
		return
	}
	a.logEvent("TERMINATE")
	a.logger.Info("terminating round", zap.Uint64("iteration", a.iteration))

	var ws *solver.WeightStats
	if a.params.RobustEnabled {
		fixed, stats := a.solver.FinalizeWeights(a.params.WeightConvergenceTol)
		a.logger.Info("finalized measurement weights",
			zap.Int("fixed", len(fixed)),
			zap.Int("accepted", stats.Accepted),
			zap.Int("rejected", stats.Rejected),
			zap.Int("undecided", stats.Undecided))
		total := stats.Accepted + stats.Rejected + stats.Undecided
		if total > 0 {
			ratio := float64(stats.Accepted+stats.Rejected) / float64(total)
			if ratio < a.params.MinConvergenceRatio {
				a.logger.Warn("low weight convergence ratio",
					zap.Float64("ratio", ratio), zap.Float64("min", a.params.MinConvergenceRatio))
			}
		}
		a.publishWeights(ctx)
		ws = &stats
	}

	if tr, ok := a.solver.TrajectoryInGlobalFrame(); ok {
		tr.Instance = a.instance
		tr.Iteration = a.iteration
		tr.Stamp = a.now()
		a.cachedTrajectory = &tr
		if a.viz != nil {
			a.viz.PublishTrajectory(tr)
		}
	}
	a.resetRound(ctx, "terminate", ws)
}

// executeHardTerminate 异常收轮：无条件复位。
func (a *Agent) executeHardTerminate(ctx context.Context, cmd wire.Command) {
	a.logEvent("HARD_TERMINATE")
	a.logger.Warn("hard terminating round", zap.Uint64("iteration", a.iteration))
	a.resetRound(ctx, "hard_terminate", nil)
}

// executeSetActiveRobots 整体采纳领导者宣布的活跃集合。
func (a *Agent) executeSetActiveRobots(ctx context.Context, cmd wire.Command) {
	if cmd.PublishingRobot != a.clusterID {
		a.logger.Warn("active set from non-leader ignored",
			zap.Uint32("from", uint32(cmd.PublishingRobot)))
		return
	}
	a.applyActiveSetLocked(cmd.ActiveRobots)
	a.logger.Debug("updated active robots", zap.Int("count", a.team.numActive()))
}
