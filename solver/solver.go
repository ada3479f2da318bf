// Package solver 定义协调层驱动的局部优化器契约。
//
// 协调层不关心数值算法本身：它通过 Solver 接口安装局部位姿图、
// 触发迭代、交换边界状态。数值后端（真实的流形优化器或本包内的
// 仿真求解器）以组合方式注入，而不是继承。
package solver

import (
	"context"

	"github.com/BaSui01/dpgoflow/wire"
)

// Status is the solver-side snapshot the coordination layer polls.
type Status struct {
	// Initialized reports whether the local trajectory has been aligned
	// into the global frame.
	Initialized bool
	// RelativeChange is the magnitude of the last optimization step.
	RelativeChange float64
	// NumPoses is the size of the local trajectory.
	NumPoses int
}

// StepResult describes one local optimization pass.
type StepResult struct {
	Success        bool
	RelativeChange float64
	FuncDecrease   float64
	GradNormInit   float64
	GradNormOpt    float64
}

// WeightStats summarizes robust-weight convergence of the shared loop
// closures at the end of a round.
type WeightStats struct {
	Accepted  int
	Rejected  int
	Undecided int
}

// Solver is the numeric backend driven by one coordination agent.
//
// Step is only ever invoked from the agent's control loop. ApplyNeighborState,
// SetGlobalAnchor and SetLiftingMatrix may be invoked from message-handler
// goroutines concurrently with Step; implementations must be safe for that.
type Solver interface {
	// --- pose graph installation ---

	// SetPartition installs the robot's local partition, skipping edges
	// already held. Edges not involving the robot are an error.
	SetPartition(edges []wire.Edge) (added int, err error)
	// AddMeasurements merges additional inter-robot loop closures,
	// skipping duplicates and edges not involving the robot.
	AddMeasurements(edges []wire.Edge) (added int)
	// HasOdometry reports whether a local partition is installed.
	HasOdometry() bool

	// --- initialization ---

	Initialize(ctx context.Context) error
	// InitializeInGlobalFrame aligns the local trajectory so the first
	// pose coincides with the given pose.
	InitializeInGlobalFrame(anchor wire.Matrix) error

	// --- iteration ---

	// Step performs one local pass. With optimize=false only internal
	// bookkeeping advances, matching a follower catching up.
	Step(ctx context.Context, optimize bool) (StepResult, error)
	Status() Status

	// --- boundary state exchange ---

	// SharedState returns the poses shared with one neighbor. ok=false
	// while the local trajectory does not exist yet.
	SharedState(neighbor wire.RobotID, auxiliary bool) (st wire.BoundaryState, ok bool)
	ApplyNeighborState(st wire.BoundaryState)

	// --- team structure ---

	Neighbors() []wire.RobotID
	ActiveNeighbors() []wire.RobotID
	SetRobotActive(id wire.RobotID, active bool)

	// --- measurements and robust weights ---

	SharedMeasurements() []wire.Edge
	SharedEdgeWeights() []wire.EdgeWeight
	// RecomputeWeights reevaluates the robust weight of every non-fixed
	// shared loop closure and returns the full weight set.
	RecomputeWeights() []wire.EdgeWeight
	// ApplyWeight adopts a weight received from a neighbor. Unknown
	// edges are an error.
	ApplyWeight(w wire.EdgeWeight) error
	// FinalizeWeights snaps converged weights at the end of a robust
	// round: weights below tol are fixed to zero (rejected).
	FinalizeWeights(tol float64) ([]wire.EdgeWeight, WeightStats)

	// --- anchor and lifting matrix ---

	SetLiftingMatrix(m wire.Matrix)
	LiftingMatrix() (wire.Matrix, bool)
	SetGlobalAnchor(pose wire.Matrix)

	// --- results and lifecycle ---

	TrajectoryInGlobalFrame() (wire.Trajectory, bool)
	// Reset clears iterates and neighbor data but keeps the installed
	// partition and its weights.
	Reset()
	// DiscardGraph additionally drops the partition, forcing the next
	// round to fetch it again.
	DiscardGraph()
}
