package coordination

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/wire"
)

// 出站发布。所有发布都在持锁状态下进行；总线实现保证 Publish
// 不会同步回调订阅者，因此不会与回调互相等锁。

// publishPayload 序列化并发布一条消息，失败只告警不中断控制流。
func (a *Agent) publishPayload(ctx context.Context, topic string, v any) bool {
	payload, err := wire.Marshal(v)
	if err != nil {
		a.logger.Error("failed to marshal message", zap.String("topic", topic), zap.Error(err))
		return false
	}
	if err := a.bus.Publish(ctx, topic, payload); err != nil {
		a.logger.Warn("failed to publish message", zap.String("topic", topic), zap.Error(err))
		return false
	}
	return true
}

// publishCommand 补全公共字段后把命令发到本机的命令话题。
// 队伍里的每台机器人（包括发布者自己）都会收到它。
func (a *Agent) publishCommand(ctx context.Context, cmd wire.Command) {
	cmd.ID = uuid.NewString()
	cmd.Timestamp = a.now()
	cmd.PublishingRobot = a.params.RobotID
	cmd.Cluster = a.clusterID
	if a.publishPayload(ctx, wire.CommandTopic(a.params.Namespace, a.params.RobotID), cmd) {
		a.metrics.RecordCommandPublished(uint32(a.params.RobotID), string(cmd.Kind))
	}
}

func (a *Agent) publishNoop(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{Kind: wire.CmdNoop})
}

// publishRequestPoseGraph 由空闲的领导者发起新一轮。
// 参与者圈定为连通且自认归属本集群的机器人，不足两台则不开轮。
func (a *Agent) publishRequestPoseGraph(ctx context.Context) {
	if !a.isLeader() {
		a.logger.Error("only the cluster leader may request pose graphs")
		return
	}
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		cluster, ok := a.team.clusterIDOf(rid)
		active := ok && cluster == a.params.RobotID && a.team.isConnected(rid)
		a.setRobotActiveLocked(rid, active)
	}
	if a.team.numActive() <= 1 {
		a.logger.Warn("not enough active robots to start a round",
			zap.Int("active", a.team.numActive()))
		return
	}
	a.publishCommand(ctx, wire.Command{
		Kind:         wire.CmdRequestPoseGraph,
		ActiveRobots: a.team.activeIDs(),
	})
	a.logger.Info("requested pose graphs",
		zap.Uint32s("active_robots", robotList(a.team.activeIDs())))
}

// publishInitialize 广播 INITIALIZE 并消费一次重试预算。
func (a *Agent) publishInitialize(ctx context.Context) {
	if !a.isLeader() {
		a.logger.Error("only the cluster leader may publish initialize")
		return
	}
	a.box.Clear(IntentPublishInit)
	a.initStepsDone++
	a.publishCommand(ctx, wire.Command{Kind: wire.CmdInitialize})
	a.logger.Info("published initialize command", zap.Int("attempt", a.initStepsDone))
}

func (a *Agent) publishActiveSet(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{
		Kind:         wire.CmdSetActiveRobots,
		ActiveRobots: a.team.activeIDs(),
	})
}

// publishNextUpdate 让调度器在活跃且已初始化的机器人里挑下一个执行者。
func (a *Agent) publishNextUpdate(ctx context.Context) {
	if a.params.Asynchronous {
		return
	}
	var candidates []wire.RobotID
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		if a.team.isActive(rid) && a.robotInitialized(rid) {
			candidates = append(candidates, rid)
		}
	}
	next, ok := a.sched.Next(candidates, a.params.RobotID, a.params.TeamSize)
	if !ok {
		a.logger.Warn("no eligible robot for the next update")
		return
	}
	if next == a.params.RobotID {
		a.logger.Warn("selected self for the next update")
	}
	a.publishUpdate(ctx, next)
}

// publishUpdate 指派 robot 执行下一个迭代。配置了更新间隔时先挂入
// 待发布槽，由控制循环在到点后发出。
func (a *Agent) publishUpdate(ctx context.Context, robot wire.RobotID) {
	if a.params.Asynchronous {
		return
	}
	if !a.team.isActive(robot) {
		a.logger.Error("next robot to update is not active", zap.Uint32("robot", uint32(robot)))
		return
	}
	if a.params.InterUpdateDelay > 0 {
		a.havePending = true
		a.pendingExec = robot
		a.pendingNotBefore = a.now().Add(a.params.InterUpdateDelay)
		return
	}
	a.sendUpdate(ctx, robot)
}

func (a *Agent) sendUpdate(ctx context.Context, robot wire.RobotID) {
	a.publishCommand(ctx, wire.Command{
		Kind:               wire.CmdUpdate,
		ExecutingRobot:     robot,
		ExecutingIteration: a.iteration + 1,
	})
	a.logger.Debug("assigned next update",
		zap.Uint32("executor", uint32(robot)), zap.Uint64("iteration", a.iteration+1))
}

func (a *Agent) publishRecover(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{
		Kind:               wire.CmdRecover,
		ExecutingIteration: a.iteration,
	})
	a.logger.Warn("published recover command", zap.Uint64("iteration", a.iteration))
}

func (a *Agent) publishUpdateWeight(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{Kind: wire.CmdUpdateWeight})
}

func (a *Agent) publishTerminate(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{Kind: wire.CmdTerminate})
}

func (a *Agent) publishHardTerminate(ctx context.Context) {
	a.publishCommand(ctx, wire.Command{Kind: wire.CmdHardTerminate})
}

// publishStatus 广播本机的协调状态快照。
func (a *Agent) publishStatus(ctx context.Context) {
	st := wire.Status{
		RobotID:          a.params.RobotID,
		Cluster:          a.clusterID,
		State:            string(a.state),
		Instance:         a.instance,
		Iteration:        a.iteration,
		RelativeChange:   a.relChange,
		ReadyToTerminate: a.readyToTerm,
		Timestamp:        a.now(),
	}
	a.publishPayload(ctx, wire.StatusTopic(a.params.Namespace, a.params.RobotID), st)
}

// publishLiftingMatrix 周期性补发提升矩阵，尚未持有时静默跳过。
func (a *Agent) publishLiftingMatrix(ctx context.Context) {
	m, ok := a.solver.LiftingMatrix()
	if !ok {
		a.logger.Debug("lifting matrix not available yet")
		return
	}
	msg := wire.LiftingMatrixMsg{
		RobotID: a.params.RobotID,
		Cluster: a.clusterID,
		Matrix:  m,
	}
	a.publishPayload(ctx, wire.LiftingTopic(a.params.Namespace, a.params.RobotID), msg)
}

// publishAnchor 广播全局锚点：0 号机器人的第 0 帧。
// 领导者编号非 0 时转发缓存的锚点，没有缓存就跳过。
func (a *Agent) publishAnchor(ctx context.Context) {
	if !a.isLeader() {
		a.logger.Error("only the cluster leader publishes the anchor")
		return
	}
	if a.state != StateInitialized {
		a.logger.Warn("cannot publish anchor before initialization")
		return
	}
	var pose wire.Matrix
	if a.params.RobotID == 0 {
		tr, ok := a.solver.TrajectoryInGlobalFrame()
		if !ok || len(tr.Poses) == 0 {
			return
		}
		pose = tr.Poses[0]
	} else {
		if a.globalAnchor == nil {
			return
		}
		pose = *a.globalAnchor
	}
	st := wire.BoundaryState{
		RobotID:   0,
		Cluster:   a.clusterID,
		Instance:  a.instance,
		Iteration: a.iteration,
		PoseIDs:   []uint32{0},
		Poses:     []wire.Matrix{pose},
	}
	a.publishPayload(ctx, wire.AnchorTopic(a.params.Namespace, a.params.RobotID), st)
}

// publishBoundary 把与各邻居相关的共享位姿逐一发出。
// 本地轨迹尚未就绪时整体跳过。
func (a *Agent) publishBoundary(ctx context.Context, aux bool) {
	for _, nb := range a.solver.Neighbors() {
		st, ok := a.solver.SharedState(nb, aux)
		if !ok {
			return
		}
		if len(st.PoseIDs) == 0 {
			continue
		}
		st.Cluster = a.clusterID
		st.Instance = a.instance
		st.Iteration = a.iteration
		a.publishPayload(ctx, wire.BoundaryTopic(a.params.Namespace, a.params.RobotID), st)
	}
}

// publishSharedMeasurements 把本机持有的共享闭环按对端分发。
// 每台其他机器人都会收到一条消息，即使它与本机没有共享边，
// 这样接收方的同步门才能收齐全部回执。
func (a *Agent) publishSharedMeasurements(ctx context.Context) {
	if !a.params.SynchronizeMeasurements {
		return
	}
	byRobot := make(map[wire.RobotID][]wire.Edge)
	for _, e := range a.solver.SharedMeasurements() {
		if !e.Involves(a.params.RobotID) {
			continue
		}
		other := e.Other(a.params.RobotID)
		byRobot[other] = append(byRobot[other], e)
	}
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		if rid == a.params.RobotID {
			continue
		}
		batch := wire.MeasurementBatch{
			FromRobot:   a.params.RobotID,
			FromCluster: a.clusterID,
			Destination: rid,
			Edges:       byRobot[rid],
		}
		a.publishPayload(ctx, wire.MeasurementsTopic(a.params.Namespace, a.params.RobotID), batch)
	}
}

// publishWeights 把共享闭环的当前权重发给高编号的对端。
// 权重由低编号一端拥有，反方向不发。
func (a *Agent) publishWeights(ctx context.Context) {
	byRobot := make(map[wire.RobotID][]wire.EdgeWeight)
	for _, w := range a.solver.SharedEdgeWeights() {
		var other wire.RobotID
		switch a.params.RobotID {
		case w.SrcRobot:
			other = w.DstRobot
		case w.DstRobot:
			other = w.SrcRobot
		default:
			continue
		}
		if other > a.params.RobotID {
			byRobot[other] = append(byRobot[other], w)
		}
	}
	for other, ws := range byRobot {
		upd := wire.WeightUpdate{
			RobotID:     a.params.RobotID,
			Cluster:     a.clusterID,
			Destination: other,
			Weights:     ws,
		}
		a.publishPayload(ctx, wire.WeightsTopic(a.params.Namespace, a.params.RobotID), upd)
	}
}

func robotList(ids []wire.RobotID) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}
