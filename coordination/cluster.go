package coordination

import (
	"github.com/BaSui01/dpgoflow/wire"
)

// team 维护一台机器人眼中的全队视图：连通性、活跃集合、各机器人
// 所属集群、邻居状态快照、共享闭环交换进度，以及屏障用的迭代账本。
// 不做并发保护，调用方持有 Agent 锁。
type team struct {
	ownID wire.RobotID
	size  int

	connected []bool
	active    []bool
	clusterOf []wire.RobotID

	// 屏障账本：每个邻居要求达到的迭代号和最近一次收到的迭代号
	iterRequired []uint64
	iterReceived []uint64

	// 初始化门：是否已收到对应机器人的共享闭环批次
	gotMeasurements []bool

	// 每机器人只保留时间戳最新的一条状态
	status map[wire.RobotID]wire.Status
}

func newTeam(ownID wire.RobotID, size int) *team {
	t := &team{
		ownID:           ownID,
		size:            size,
		connected:       make([]bool, size),
		active:          make([]bool, size),
		clusterOf:       make([]wire.RobotID, size),
		iterRequired:    make([]uint64, size),
		iterReceived:    make([]uint64, size),
		gotMeasurements: make([]bool, size),
		status:          make(map[wire.RobotID]wire.Status),
	}
	// 在收到连通性反馈之前假定全队可达
	for i := range t.connected {
		t.connected[i] = true
	}
	t.resetClusterIDs()
	return t
}

func (t *team) inRange(id wire.RobotID) bool {
	return int(id) < t.size
}

// --- 连通性 ---

// applyConnectivity 用一条连通性反馈重建可达表。自身恒为可达。
func (t *team) applyConnectivity(reachable []wire.RobotID) {
	set := make(map[wire.RobotID]bool, len(reachable))
	for _, id := range reachable {
		set[id] = true
	}
	for i := range t.connected {
		id := wire.RobotID(i)
		t.connected[i] = id == t.ownID || set[id]
	}
}

func (t *team) isConnected(id wire.RobotID) bool {
	if !t.inRange(id) {
		return false
	}
	if id == t.ownID {
		return true
	}
	return t.connected[id]
}

// --- 集群归属 ---

// electCluster 返回编号最小的可达机器人，即本机应加入的集群。
func (t *team) electCluster() wire.RobotID {
	for i := 0; i < t.size; i++ {
		if t.isConnected(wire.RobotID(i)) {
			return wire.RobotID(i)
		}
	}
	return t.ownID
}

func (t *team) clusterIDOf(id wire.RobotID) (wire.RobotID, bool) {
	if !t.inRange(id) {
		return 0, false
	}
	return t.clusterOf[id], true
}

func (t *team) setClusterIDOf(robot, cluster wire.RobotID) bool {
	if !t.inRange(robot) || int(cluster) >= t.size {
		return false
	}
	t.clusterOf[robot] = cluster
	return true
}

// resetClusterIDs 把每个机器人的所属集群退回其自身编号。
func (t *team) resetClusterIDs() {
	for i := range t.clusterOf {
		t.clusterOf[i] = wire.RobotID(i)
	}
}

// --- 活跃集合 ---

func (t *team) isActive(id wire.RobotID) bool {
	return t.inRange(id) && t.active[id]
}

func (t *team) setActive(id wire.RobotID, active bool) bool {
	if !t.inRange(id) {
		return false
	}
	changed := t.active[id] != active
	t.active[id] = active
	return changed
}

// applyActiveSet 用命令携带的列表整体替换活跃集合。
func (t *team) applyActiveSet(ids []wire.RobotID) {
	set := make(map[wire.RobotID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for i := range t.active {
		t.active[i] = set[wire.RobotID(i)]
	}
}

func (t *team) activeIDs() []wire.RobotID {
	out := make([]wire.RobotID, 0, t.size)
	for i, a := range t.active {
		if a {
			out = append(out, wire.RobotID(i))
		}
	}
	return out
}

func (t *team) numActive() int {
	n := 0
	for _, a := range t.active {
		if a {
			n++
		}
	}
	return n
}

// --- 状态快照 ---

// putStatus 记录一条机器人状态，旧时间戳的消息被拒绝。
func (t *team) putStatus(st wire.Status) bool {
	if prev, ok := t.status[st.RobotID]; ok && prev.Timestamp.After(st.Timestamp) {
		return false
	}
	t.status[st.RobotID] = st
	return true
}

func (t *team) statusOf(id wire.RobotID) (wire.Status, bool) {
	st, ok := t.status[id]
	return st, ok
}

// --- 共享闭环交换进度 ---

func (t *team) markMeasurementsFrom(id wire.RobotID) bool {
	if !t.inRange(id) {
		return false
	}
	if t.gotMeasurements[id] {
		return false
	}
	t.gotMeasurements[id] = true
	return true
}

func (t *team) hasMeasurementsFrom(id wire.RobotID) bool {
	return t.inRange(id) && t.gotMeasurements[id]
}

// markAllMeasurements 在不走闭环同步时直接放行初始化门。
func (t *team) markAllMeasurements() {
	for i := range t.gotMeasurements {
		t.gotMeasurements[i] = true
	}
}

// reset 清空一轮优化积累的全部状态。连通性保留：它由外部反馈维护，
// 与优化轮次无关。
func (t *team) reset() {
	for i := range t.active {
		t.active[i] = false
		t.iterRequired[i] = 0
		t.iterReceived[i] = 0
		t.gotMeasurements[i] = false
	}
	t.status = make(map[wire.RobotID]wire.Status)
	t.resetClusterIDs()
}
