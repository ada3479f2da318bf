// Package wire 定义机器人之间在协调总线上交换的全部消息载荷。
//
// 所有消息以 JSON 编码；总线本身只搬运字节，不理解内容。
// 每条消息都携带发送者的集群 ID，接收方用它做准入过滤。
package wire

import (
	"encoding/json"
	"time"
)

// RobotID identifies a robot within the team. Teams are addressed 0..N-1,
// and the cluster ID of a group is the RobotID of its leader.
type RobotID uint32

// PoseID 唯一标识某个机器人轨迹中的一个位姿帧。
type PoseID struct {
	Robot RobotID `json:"robot"`
	Frame uint32  `json:"frame"`
}

// EdgeKind classifies a relative measurement.
type EdgeKind string

const (
	EdgeOdometry    EdgeKind = "odometry"
	EdgePrivateLoop EdgeKind = "private_loop"
	EdgeSharedLoop  EdgeKind = "shared_loop"
)

// Edge is a relative pose measurement between two frames, possibly across
// robots. Rotation and translation are opaque numeric blocks; Kappa/Tau are
// the rotation/translation concentration parameters, Weight the current
// robust weight.
type Edge struct {
	FromRobot   RobotID   `json:"from_robot"`
	FromPose    uint32    `json:"from_pose"`
	ToRobot     RobotID   `json:"to_robot"`
	ToPose      uint32    `json:"to_pose"`
	Kind        EdgeKind  `json:"kind"`
	Rotation    Matrix    `json:"rotation"`
	Translation []float64 `json:"translation"`
	KappaRot    float64   `json:"kappa_rot"`
	TauTrans    float64   `json:"tau_trans"`
	Weight      float64   `json:"weight"`
	FixedWeight bool      `json:"fixed_weight"`
}

// Involves reports whether the edge touches the given robot.
func (e Edge) Involves(id RobotID) bool {
	return e.FromRobot == id || e.ToRobot == id
}

// IsShared reports whether the edge connects two different robots.
func (e Edge) IsShared() bool {
	return e.FromRobot != e.ToRobot
}

// Other returns the endpoint that is not the given robot. Undefined for
// edges that do not involve id.
func (e Edge) Other(id RobotID) RobotID {
	if e.FromRobot == id {
		return e.ToRobot
	}
	return e.FromRobot
}

// EdgeKey is the identity of an edge, usable as a map key.
type EdgeKey struct {
	FromRobot RobotID
	FromPose  uint32
	ToRobot   RobotID
	ToPose    uint32
}

// Key returns the map identity of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{FromRobot: e.FromRobot, FromPose: e.FromPose, ToRobot: e.ToRobot, ToPose: e.ToPose}
}

// Status 是机器人周期广播的自身状态快照。
// 接收方按机器人只保留时间戳最新的一条。
type Status struct {
	RobotID          RobotID   `json:"robot_id"`
	Cluster          RobotID   `json:"cluster"`
	State            string    `json:"state"`
	Instance         uint64    `json:"instance"`
	Iteration        uint64    `json:"iteration"`
	RelativeChange   float64   `json:"relative_change"`
	ReadyToTerminate bool      `json:"ready_to_terminate"`
	Timestamp        time.Time `json:"timestamp"`
}

// CommandKind names a coordination command.
type CommandKind string

const (
	CmdRequestPoseGraph CommandKind = "REQUEST_POSE_GRAPH"
	CmdInitialize       CommandKind = "INITIALIZE"
	CmdUpdate           CommandKind = "UPDATE"
	CmdUpdateWeight     CommandKind = "UPDATE_WEIGHT"
	CmdRecover          CommandKind = "RECOVER"
	CmdTerminate        CommandKind = "TERMINATE"
	CmdHardTerminate    CommandKind = "HARD_TERMINATE"
	CmdSetActiveRobots  CommandKind = "SET_ACTIVE_ROBOTS"
	CmdNoop             CommandKind = "NOOP"
)

// Command 驱动各机器人状态机的广播指令。
// ID 用于重复投递去重；ActiveRobots 仅部分指令携带。
type Command struct {
	ID                 string      `json:"id"`
	Timestamp          time.Time   `json:"timestamp"`
	Kind               CommandKind `json:"kind"`
	PublishingRobot    RobotID     `json:"publishing_robot"`
	Cluster            RobotID     `json:"cluster"`
	ExecutingRobot     RobotID     `json:"executing_robot"`
	ExecutingIteration uint64      `json:"executing_iteration"`
	ActiveRobots       []RobotID   `json:"active_robots,omitempty"`
}

// BoundaryState carries the sender's shared (boundary) poses addressed to a
// single neighbor. Auxiliary marks the accelerated-mode iterate sequence.
type BoundaryState struct {
	RobotID     RobotID  `json:"robot_id"`
	Cluster     RobotID  `json:"cluster"`
	Destination RobotID  `json:"destination"`
	Instance    uint64   `json:"instance"`
	Iteration   uint64   `json:"iteration"`
	Auxiliary   bool     `json:"auxiliary"`
	PoseIDs     []uint32 `json:"pose_ids"`
	Poses       []Matrix `json:"poses"`
}

// PayloadBytes 估算消息中位姿数据占用的字节数，用于带宽统计。
func (b BoundaryState) PayloadBytes() int {
	n := 0
	for _, p := range b.Poses {
		n += 8 * len(p.Data)
	}
	return n + 4*len(b.PoseIDs)
}

// LiftingMatrixMsg broadcasts the shared lifting matrix from the leader.
// The anchor channel reuses BoundaryState with a single pose of robot 0.
type LiftingMatrixMsg struct {
	RobotID RobotID `json:"robot_id"`
	Cluster RobotID `json:"cluster"`
	Matrix  Matrix  `json:"matrix"`
}

// MeasurementBatch carries the sender's inter-robot loop closures addressed
// to one robot. An empty batch still signals "I have nothing for you",
// which receivers need for the initialization gate.
type MeasurementBatch struct {
	FromRobot   RobotID `json:"from_robot"`
	FromCluster RobotID `json:"from_cluster"`
	Destination RobotID `json:"destination"`
	Edges       []Edge  `json:"edges"`
}

// EdgeWeight is one robust-weight entry of a WeightUpdate.
type EdgeWeight struct {
	SrcRobot    RobotID `json:"src_robot"`
	SrcPose     uint32  `json:"src_pose"`
	DstRobot    RobotID `json:"dst_robot"`
	DstPose     uint32  `json:"dst_pose"`
	Weight      float64 `json:"weight"`
	FixedWeight bool    `json:"fixed_weight"`
}

// Key returns the edge identity the weight refers to.
func (w EdgeWeight) Key() EdgeKey {
	return EdgeKey{FromRobot: w.SrcRobot, FromPose: w.SrcPose, ToRobot: w.DstRobot, ToPose: w.DstPose}
}

// WeightUpdate 携带共享闭环的鲁棒权重。
// 约定：权重消息只由编号较小的一端发往较大的一端，接收方据此采纳。
type WeightUpdate struct {
	RobotID     RobotID      `json:"robot_id"`
	Cluster     RobotID      `json:"cluster"`
	Destination RobotID      `json:"destination"`
	Weights     []EdgeWeight `json:"weights"`
}

// ConnectivitySet reports which robots the sender currently reaches.
type ConnectivitySet struct {
	RobotID  RobotID   `json:"robot_id"`
	RobotIDs []RobotID `json:"robot_ids"`
}

// Trajectory 是一次优化回合结束后某机器人在世界系下的轨迹快照。
type Trajectory struct {
	RobotID   RobotID   `json:"robot_id"`
	Instance  uint64    `json:"instance"`
	Iteration uint64    `json:"iteration"`
	PoseIDs   []uint32  `json:"pose_ids"`
	Poses     []Matrix  `json:"poses"`
	Stamp     time.Time `json:"stamp"`
}

// Marshal encodes any wire message as JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a JSON wire message into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
