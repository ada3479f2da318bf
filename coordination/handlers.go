package coordination

import (
	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/wire"
)

// 总线回调。每个回调只做三件事：解析、准入检查、在锁内记账或暂存。
// 命令进入 FIFO 队列，数值载荷进入暂存区，真正的执行都发生在 Tick 里。

func (a *Agent) dropMessage(channel, reason string, err error) {
	a.metrics.RecordDrop(uint32(a.params.RobotID), reason)
	a.logger.Warn("dropping message",
		zap.String("channel", channel), zap.String("reason", reason), zap.Error(err))
}

// onCommand 负责命令准入：错误集群的命令直接丢弃，NOOP 只刷新流量
// 印象，SET_ACTIVE_ROBOTS 和 NOOP 不会推迟超时判定。
func (a *Agent) onCommand(topic string, payload []byte) {
	var cmd wire.Command
	if err := wire.Unmarshal(payload, &cmd); err != nil {
		a.dropMessage("command", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.RecordCommandReceived(uint32(a.params.RobotID), string(cmd.Kind))
	if cmd.Cluster != a.clusterID {
		a.warnCluster.Do(func() {
			a.logger.Warn("ignoring command from another cluster",
				zap.String("kind", string(cmd.Kind)),
				zap.Uint32("their_cluster", uint32(cmd.Cluster)),
				zap.Uint32("our_cluster", uint32(a.clusterID)))
		})
		a.metrics.RecordDrop(uint32(a.params.RobotID), "wrong_cluster")
		return
	}

	// NOOP 与活跃集合广播是背景流量，不算作协调进展
	if cmd.Kind != wire.CmdNoop && cmd.Kind != wire.CmdSetActiveRobots {
		a.lastCommandAt = a.now()
	}
	if cmd.Kind == wire.CmdNoop {
		return
	}

	if !a.box.EnqueueCommand(cmd) {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "duplicate_command")
	}
}

// onStatus 采纳全队的状态快照，旧时间戳的快照被拒绝。
// 同步模式下领导者还要据此踢出掉队的机器人。
func (a *Agent) onStatus(topic string, payload []byte) {
	var st wire.Status
	if err := wire.Unmarshal(payload, &st); err != nil {
		a.dropMessage("status", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.team.inRange(st.RobotID) {
		a.dropMessage("status", "unknown_robot", nil)
		return
	}
	if !a.team.putStatus(st) {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "stale_status")
		return
	}
	a.team.setClusterIDOf(st.RobotID, st.Cluster)

	if a.params.Asynchronous || !a.isLeader() || st.RobotID == a.params.RobotID {
		return
	}
	if !a.team.isActive(st.RobotID) {
		return
	}
	// 活跃机器人改换集群或在优化中途退化，领导者把它移出本轮
	deactivate := false
	if st.Cluster != a.clusterID {
		a.logger.Warn("active robot joined another cluster",
			zap.Uint32("robot", uint32(st.RobotID)), zap.Uint32("cluster", uint32(st.Cluster)))
		deactivate = true
	} else if a.iteration > 0 && st.State != string(StateInitialized) {
		a.logger.Warn("active robot is no longer initialized",
			zap.Uint32("robot", uint32(st.RobotID)), zap.String("state", st.State))
		deactivate = true
	}
	if deactivate {
		a.setRobotActiveLocked(st.RobotID, false)
		a.box.Raise(IntentPublishActiveSet)
	}
}

// onBoundaryState 记录邻居的共享位姿。消息本体暂存到 Tick 应用，
// 迭代回执立即写入屏障账本。
func (a *Agent) onBoundaryState(topic string, payload []byte) {
	var st wire.BoundaryState
	if err := wire.Unmarshal(payload, &st); err != nil {
		a.dropMessage("boundary_state", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if st.RobotID == a.params.RobotID {
		return
	}
	if st.Cluster != a.clusterID {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "wrong_cluster")
		return
	}
	if !a.neighborSet[st.RobotID] {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "not_neighbor")
		return
	}

	if a.team.inRange(st.RobotID) {
		a.team.iterReceived[st.RobotID] = st.Iteration
	}
	n := st.PayloadBytes()
	a.bytesIn += uint64(n)
	a.metrics.RecordBytesReceived(uint32(a.params.RobotID), "boundary_state", n)

	a.pendingStates[stateKey{robot: st.RobotID, aux: st.Auxiliary}] = st
}

// onMeasurements 接收发给本机的共享闭环批次。每台机器人只采纳一次，
// 且要求本机已经持有自己的里程计链。
func (a *Agent) onMeasurements(topic string, payload []byte) {
	var batch wire.MeasurementBatch
	if err := wire.Unmarshal(payload, &batch); err != nil {
		a.dropMessage("measurements", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if batch.Destination != a.params.RobotID {
		return
	}
	if !a.havePartition {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "no_pose_graph")
		return
	}
	if batch.FromCluster != a.clusterID {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "wrong_cluster")
		return
	}
	if !a.team.markMeasurementsFrom(batch.FromRobot) {
		return
	}
	a.metrics.RecordBytesReceived(uint32(a.params.RobotID), "measurements", len(payload))
	a.logger.Info("received shared measurements",
		zap.Uint32("from", uint32(batch.FromRobot)), zap.Int("edges", len(batch.Edges)))

	own := a.params.RobotID
	for _, e := range batch.Edges {
		if e.Involves(own) {
			a.pendingMeas = append(a.pendingMeas, e)
		}
	}
}

// onWeights 暂存低编号邻居广播的鲁棒权重。
func (a *Agent) onWeights(topic string, payload []byte) {
	var upd wire.WeightUpdate
	if err := wire.Unmarshal(payload, &upd); err != nil {
		a.dropMessage("weights", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if upd.Destination != a.params.RobotID {
		return
	}
	if upd.Cluster != a.clusterID {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "wrong_cluster")
		return
	}
	a.metrics.RecordBytesReceived(uint32(a.params.RobotID), "weights", len(payload))
	a.pendingWeights = append(a.pendingWeights, upd.Weights...)
}

// onLiftingMatrix 暂存领导者广播的提升矩阵。
func (a *Agent) onLiftingMatrix(topic string, payload []byte) {
	var msg wire.LiftingMatrixMsg
	if err := wire.Unmarshal(payload, &msg); err != nil {
		a.dropMessage("lifting_matrix", "malformed", err)
		return
	}
	if err := msg.Matrix.Validate(); err != nil {
		a.dropMessage("lifting_matrix", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if msg.RobotID == a.params.RobotID {
		return
	}
	m := msg.Matrix.Clone()
	a.pendingLifting = &m
}

// onAnchor 接收全局锚点：必须声明为 0 号机器人的第 0 帧。
func (a *Agent) onAnchor(topic string, payload []byte) {
	var st wire.BoundaryState
	if err := wire.Unmarshal(payload, &st); err != nil {
		a.dropMessage("anchor", "malformed", err)
		return
	}
	if st.RobotID != 0 || len(st.PoseIDs) != 1 || st.PoseIDs[0] != 0 || len(st.Poses) != 1 {
		a.logger.Error("received wrong pose as global anchor",
			zap.Uint32("robot", uint32(st.RobotID)), zap.Int("poses", len(st.Poses)))
		a.metrics.RecordDrop(uint32(a.params.RobotID), "bad_anchor")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if st.Cluster != a.clusterID {
		a.metrics.RecordDrop(uint32(a.params.RobotID), "wrong_cluster")
		return
	}
	pose := st.Poses[0].Clone()
	a.pendingAnchor = &pose
	a.globalAnchor = &pose
}

// onConnectivity 采纳外部连通性源对本机可达集合的最新观测。
func (a *Agent) onConnectivity(topic string, payload []byte) {
	var set wire.ConnectivitySet
	if err := wire.Unmarshal(payload, &set); err != nil {
		a.dropMessage("connectivity", "malformed", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.team.applyConnectivity(set.RobotIDs)
}
