package solver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dpgoflow/types"
	"github.com/BaSui01/dpgoflow/wire"
)

func odomEdge(robot wire.RobotID, from, to uint32, t ...float64) wire.Edge {
	return wire.Edge{
		FromRobot:   robot,
		FromPose:    from,
		ToRobot:     robot,
		ToPose:      to,
		Kind:        wire.EdgeOdometry,
		Rotation:    wire.Identity(3),
		Translation: t,
		KappaRot:    1,
		TauTrans:    1,
		Weight:      1,
	}
}

func sharedEdge(fromRobot wire.RobotID, fromPose uint32, toRobot wire.RobotID, toPose uint32, t ...float64) wire.Edge {
	return wire.Edge{
		FromRobot:   fromRobot,
		FromPose:    fromPose,
		ToRobot:     toRobot,
		ToPose:      toPose,
		Kind:        wire.EdgeSharedLoop,
		Rotation:    wire.Identity(3),
		Translation: t,
		KappaRot:    1,
		TauTrans:    1,
		Weight:      1,
	}
}

func TestSimInitializeChainsOdometry(t *testing.T) {
	t.Parallel()

	s := NewSim(SimConfig{RobotID: 0})
	added, err := s.SetPartition([]wire.Edge{
		odomEdge(0, 0, 1, 1, 0, 0),
		odomEdge(0, 1, 2, 0, 2, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	require.True(t, s.HasOdometry())

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.InitializeInGlobalFrame(wire.Matrix{Rows: 1, Cols: 3, Data: []float64{0, 0, 0}}))

	tr, ok := s.TrajectoryInGlobalFrame()
	require.True(t, ok)
	require.Len(t, tr.Poses, 3)
	assert.InDelta(t, 0.0, tr.Poses[0].Data[0], 1e-12)
	assert.InDelta(t, 1.0, tr.Poses[1].Data[0], 1e-12)
	assert.InDelta(t, 1.0, tr.Poses[2].Data[0], 1e-12)
	assert.InDelta(t, 2.0, tr.Poses[2].Data[1], 1e-12)
}

func TestSimRejectsForeignPartition(t *testing.T) {
	t.Parallel()

	s := NewSim(SimConfig{RobotID: 0})
	_, err := s.SetPartition([]wire.Edge{odomEdge(3, 0, 1, 1, 0, 0)})
	require.Error(t, err)
	assert.Equal(t, types.ErrBadMessage, types.GetErrorCode(err))
}

func TestSimStepBeforeInitializeFails(t *testing.T) {
	t.Parallel()

	s := NewSim(SimConfig{RobotID: 0})
	_, err := s.Step(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, types.ErrSolverFailure, types.GetErrorCode(err))

	_, ok := s.SharedState(1, false)
	assert.False(t, ok)
}

// Two robots linked by a single loop closure: the second robot must align
// itself from the first robot's boundary state, and alternating block
// updates must drive the relative change to zero.
func TestSimTwoRobotAlignmentConverges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cross := sharedEdge(0, 1, 1, 0, 0.5, 0, 0)

	s0 := NewSim(SimConfig{RobotID: 0})
	_, err := s0.SetPartition([]wire.Edge{odomEdge(0, 0, 1, 1, 0, 0), cross})
	require.NoError(t, err)
	s1 := NewSim(SimConfig{RobotID: 1})
	_, err = s1.SetPartition([]wire.Edge{odomEdge(1, 0, 1, 1, 0, 0), cross})
	require.NoError(t, err)

	assert.Equal(t, []wire.RobotID{1}, s0.Neighbors())
	assert.Equal(t, []wire.RobotID{0}, s1.Neighbors())

	require.NoError(t, s0.Initialize(ctx))
	require.NoError(t, s1.Initialize(ctx))
	require.NoError(t, s0.InitializeInGlobalFrame(wire.Matrix{Rows: 1, Cols: 3, Data: []float64{0, 0, 0}}))
	assert.False(t, s1.Status().Initialized)

	st, ok := s0.SharedState(1, false)
	require.True(t, ok)
	require.Equal(t, []uint32{1}, st.PoseIDs)
	s1.ApplyNeighborState(st)
	require.True(t, s1.Status().Initialized, "boundary state from an initialized neighbor should align the trajectory")

	var last StepResult
	for i := 0; i < 20; i++ {
		_, err := s0.Step(ctx, true)
		require.NoError(t, err)
		last, err = s1.Step(ctx, true)
		require.NoError(t, err)

		st0, ok := s0.SharedState(1, false)
		require.True(t, ok)
		s1.ApplyNeighborState(st0)
		st1, ok := s1.SharedState(0, false)
		require.True(t, ok)
		s0.ApplyNeighborState(st1)
	}
	assert.Less(t, last.RelativeChange, 1e-9)

	tr1, ok := s1.TrajectoryInGlobalFrame()
	require.True(t, ok)
	// robot 1 frame 0 sits at robot 0 frame 1 plus the loop translation
	assert.InDelta(t, 1.5, tr1.Poses[0].Data[0], 1e-6)
	assert.InDelta(t, 2.5, tr1.Poses[1].Data[0], 1e-6)
}

func TestSimSkipsInactiveNeighbors(t *testing.T) {
	t.Parallel()

	s := NewSim(SimConfig{RobotID: 0})
	_, err := s.SetPartition([]wire.Edge{
		odomEdge(0, 0, 1, 1, 0, 0),
		sharedEdge(0, 1, 1, 0, 0.5, 0, 0),
		sharedEdge(2, 3, 0, 0, 0.1, 0, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, []wire.RobotID{1, 2}, s.Neighbors())
	s.SetRobotActive(2, false)
	assert.Equal(t, []wire.RobotID{1}, s.ActiveNeighbors())
	s.SetRobotActive(2, true)
	assert.Equal(t, []wire.RobotID{1, 2}, s.ActiveNeighbors())
}

func TestSimRobustWeights(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inlier := sharedEdge(0, 1, 1, 0, 0.5, 0, 0)
	outlier := sharedEdge(0, 0, 1, 1, 40, 0, 0)

	s := NewSim(SimConfig{RobotID: 0, RobustThreshold: 1})
	_, err := s.SetPartition([]wire.Edge{odomEdge(0, 0, 1, 1, 0, 0), inlier, outlier})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.InitializeInGlobalFrame(wire.Matrix{Rows: 1, Cols: 3, Data: []float64{0, 0, 0}}))

	// Feed consistent neighbor poses for the inlier and a wildly off pose
	// for the outlier edge.
	s.ApplyNeighborState(wire.BoundaryState{
		RobotID: 1,
		PoseIDs: []uint32{0, 1},
		Poses: []wire.Matrix{
			{Rows: 1, Cols: 3, Data: []float64{1.5, 0, 0}},
			{Rows: 1, Cols: 3, Data: []float64{2.5, 0, 0}},
		},
	})

	weights := s.RecomputeWeights()
	require.Len(t, weights, 2)
	byKey := make(map[wire.EdgeKey]wire.EdgeWeight)
	for _, w := range weights {
		byKey[w.Key()] = w
	}
	assert.Greater(t, byKey[inlier.Key()].Weight, 0.95)
	assert.Less(t, byKey[outlier.Key()].Weight, 0.01)

	_, stats := s.FinalizeWeights(0.05)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 0, stats.Undecided)

	// The rejected edge is now pinned at zero.
	for _, w := range s.SharedEdgeWeights() {
		if w.Key() == outlier.Key() {
			assert.Zero(t, w.Weight)
			assert.True(t, w.FixedWeight)
		}
	}
}

func TestSimApplyWeight(t *testing.T) {
	t.Parallel()

	cross := sharedEdge(0, 1, 1, 0, 0.5, 0, 0)
	s := NewSim(SimConfig{RobotID: 1})
	_, err := s.SetPartition([]wire.Edge{odomEdge(1, 0, 1, 1, 0, 0), cross})
	require.NoError(t, err)

	require.NoError(t, s.ApplyWeight(wire.EdgeWeight{SrcRobot: 0, SrcPose: 1, DstRobot: 1, DstPose: 0, Weight: 0.25}))
	ws := s.SharedEdgeWeights()
	require.Len(t, ws, 1)
	assert.InDelta(t, 0.25, ws[0].Weight, 1e-12)

	// Reversed direction still resolves the same edge.
	require.NoError(t, s.ApplyWeight(wire.EdgeWeight{SrcRobot: 1, SrcPose: 0, DstRobot: 0, DstPose: 1, Weight: 0.75}))
	ws = s.SharedEdgeWeights()
	assert.InDelta(t, 0.75, ws[0].Weight, 1e-12)

	err = s.ApplyWeight(wire.EdgeWeight{SrcRobot: 0, SrcPose: 9, DstRobot: 1, DstPose: 9, Weight: 0.5})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownEdge, types.GetErrorCode(err))
}

func TestSimAddMeasurementsDeduplicates(t *testing.T) {
	t.Parallel()

	cross := sharedEdge(0, 1, 1, 0, 0.5, 0, 0)
	s := NewSim(SimConfig{RobotID: 0})
	_, err := s.SetPartition([]wire.Edge{odomEdge(0, 0, 1, 1, 0, 0), cross})
	require.NoError(t, err)

	assert.Equal(t, 0, s.AddMeasurements([]wire.Edge{cross}))
	assert.Equal(t, 1, s.AddMeasurements([]wire.Edge{sharedEdge(2, 0, 0, 1, 1, 1, 1)}))
	assert.Equal(t, 0, s.AddMeasurements([]wire.Edge{sharedEdge(2, 0, 3, 1, 1, 1, 1)}), "edges not involving this robot are ignored")
}

func TestSimResetKeepsPartition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewSim(SimConfig{RobotID: 0})
	_, err := s.SetPartition([]wire.Edge{odomEdge(0, 0, 1, 1, 0, 0)})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.InitializeInGlobalFrame(wire.Matrix{Rows: 1, Cols: 3, Data: []float64{0, 0, 0}}))
	require.True(t, s.Status().Initialized)

	s.Reset()
	assert.False(t, s.Status().Initialized)
	assert.True(t, s.HasOdometry(), "reset keeps the measurement partition")
	_, ok := s.TrajectoryInGlobalFrame()
	assert.False(t, ok)

	// A fresh round can reinitialize from the kept partition.
	require.NoError(t, s.Initialize(ctx))

	s.DiscardGraph()
	assert.False(t, s.HasOdometry())
	assert.Error(t, s.Initialize(ctx))
}

func TestSimLiftingMatrix(t *testing.T) {
	t.Parallel()

	s := NewSim(SimConfig{RobotID: 3, Dimension: 2})
	_, ok := s.LiftingMatrix()
	assert.False(t, ok)

	s.SetLiftingMatrix(wire.Identity(2))
	m, ok := s.LiftingMatrix()
	require.True(t, ok)
	assert.Equal(t, 2, m.Rows)

	// Initialize also fabricates one when none was received.
	s2 := NewSim(SimConfig{RobotID: 0, Dimension: 2})
	_, err := s2.SetPartition([]wire.Edge{odomEdge(0, 0, 1, 1, 0)})
	require.NoError(t, err)
	require.NoError(t, s2.Initialize(context.Background()))
	_, ok = s2.LiftingMatrix()
	assert.True(t, ok)
}
