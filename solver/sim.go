package solver

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/dpgoflow/types"
	"github.com/BaSui01/dpgoflow/wire"
)

// SimConfig configures the simulation solver.
type SimConfig struct {
	RobotID wire.RobotID
	// Dimension of the translation state space. Default 3.
	Dimension int
	// Sweeps is the number of Gauss-Seidel passes per step. Default 2.
	Sweeps int
	// RobustThreshold is the Geman-McClure scale used when recomputing
	// weights. Default 1.0.
	RobustThreshold float64
}

func (c *SimConfig) applyDefaults() {
	if c.Dimension <= 0 {
		c.Dimension = 3
	}
	if c.Sweeps <= 0 {
		c.Sweeps = 2
	}
	if c.RobustThreshold <= 0 {
		c.RobustThreshold = 1.0
	}
}

var _ Solver = (*Sim)(nil)

// Sim 是一个确定性的仿真求解器：把每个位姿近似为平移向量，
// 用块坐标下降做分布式平移平均。它的收敛行为足以驱动整个
// 协调协议，且无需任何外部数值库。
//
// 0 号机器人的第 0 帧在全局初始化后被固定，消除规范自由度。
type Sim struct {
	mu  sync.Mutex
	cfg SimConfig
	id  wire.RobotID
	d   int

	edges       map[wire.EdgeKey]*wire.Edge
	order       []wire.EdgeKey
	numOdometry int
	frames      []uint32

	localInit      bool
	globalInit     bool
	est            map[uint32][]float64
	neighborEst    map[wire.PoseID][]float64
	auxNeighborEst map[wire.PoseID][]float64
	inactive       map[wire.RobotID]bool
	lifting        *wire.Matrix
	anchor         []float64
	lastRelChange  float64
}

// NewSim creates a simulation solver for one robot.
func NewSim(cfg SimConfig) *Sim {
	cfg.applyDefaults()
	return &Sim{
		cfg:            cfg,
		id:             cfg.RobotID,
		d:              cfg.Dimension,
		edges:          make(map[wire.EdgeKey]*wire.Edge),
		est:            make(map[uint32][]float64),
		neighborEst:    make(map[wire.PoseID][]float64),
		auxNeighborEst: make(map[wire.PoseID][]float64),
		inactive:       make(map[wire.RobotID]bool),
	}
}

// SetPartition installs the local partition.
func (s *Sim) SetPartition(edges []wire.Edge) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, e := range edges {
		if !e.Involves(s.id) {
			return added, types.NewError(types.ErrBadMessage, "measurement does not involve this robot").
				WithRobot(uint32(s.id))
		}
		if s.addEdgeLocked(e) {
			added++
		}
	}
	s.rebuildFramesLocked()
	return added, nil
}

// AddMeasurements merges extra loop closures, ignoring duplicates and
// edges that do not involve this robot.
func (s *Sim) AddMeasurements(edges []wire.Edge) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, e := range edges {
		if !e.Involves(s.id) {
			continue
		}
		if s.addEdgeLocked(e) {
			added++
		}
	}
	s.rebuildFramesLocked()
	return added
}

func (s *Sim) addEdgeLocked(e wire.Edge) bool {
	key := e.Key()
	if _, ok := s.edges[key]; ok {
		return false
	}
	cp := e
	cp.Translation = append([]float64(nil), e.Translation...)
	cp.Rotation = e.Rotation.Clone()
	if cp.Weight == 0 && !cp.FixedWeight {
		cp.Weight = 1
	}
	if cp.TauTrans == 0 {
		cp.TauTrans = 1
	}
	s.edges[key] = &cp
	s.order = append(s.order, key)
	if cp.Kind == wire.EdgeOdometry {
		s.numOdometry++
	}
	return true
}

func (s *Sim) rebuildFramesLocked() {
	seen := make(map[uint32]bool)
	for _, key := range s.order {
		e := s.edges[key]
		if e.FromRobot == s.id {
			seen[e.FromPose] = true
		}
		if e.ToRobot == s.id {
			seen[e.ToPose] = true
		}
	}
	s.frames = s.frames[:0]
	for f := range seen {
		s.frames = append(s.frames, f)
	}
	sort.Slice(s.frames, func(i, j int) bool { return s.frames[i] < s.frames[j] })
}

// HasOdometry reports whether a partition is installed.
func (s *Sim) HasOdometry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numOdometry > 0
}

// Initialize builds the local trajectory by chaining odometry.
func (s *Sim) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numOdometry == 0 {
		return types.NewError(types.ErrSolverFailure, "no odometry to initialize from").
			WithRobot(uint32(s.id))
	}
	for _, f := range s.frames {
		s.est[f] = make([]float64, s.d)
	}
	for _, key := range s.order {
		e := s.edges[key]
		if e.Kind != wire.EdgeOdometry {
			continue
		}
		from, ok := s.est[e.FromPose]
		if !ok {
			continue
		}
		to := make([]float64, s.d)
		for i := 0; i < s.d && i < len(e.Translation); i++ {
			to[i] = from[i] + e.Translation[i]
		}
		s.est[e.ToPose] = to
	}
	if s.lifting == nil {
		m := wire.Identity(s.d)
		s.lifting = &m
	}
	s.localInit = true
	return nil
}

// InitializeInGlobalFrame shifts the trajectory so the first pose lands on
// the given anchor position.
func (s *Sim) InitializeInGlobalFrame(anchor wire.Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.localInit {
		return types.NewError(types.ErrSolverFailure, "local initialization has not run").
			WithRobot(uint32(s.id))
	}
	first := s.frames[0]
	offset := make([]float64, s.d)
	for i := 0; i < s.d; i++ {
		var a float64
		if i < len(anchor.Data) {
			a = anchor.Data[i]
		}
		offset[i] = a - s.est[first][i]
	}
	s.shiftAllLocked(offset)
	s.globalInit = true
	return nil
}

func (s *Sim) shiftAllLocked(offset []float64) {
	for _, f := range s.frames {
		for i := 0; i < s.d; i++ {
			s.est[f][i] += offset[i]
		}
	}
}

// ApplyNeighborState records the neighbor's boundary poses. While waiting
// for global initialization, a primary-state message from an initialized
// neighbor is enough to align the local trajectory.
func (s *Sim) ApplyNeighborState(st wire.BoundaryState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.neighborEst
	if st.Auxiliary {
		dst = s.auxNeighborEst
	}
	for i, frame := range st.PoseIDs {
		if i >= len(st.Poses) {
			break
		}
		dst[wire.PoseID{Robot: st.RobotID, Frame: frame}] = append([]float64(nil), st.Poses[i].Data...)
	}
	if s.localInit && !s.globalInit && !st.Auxiliary {
		s.tryAlignLocked(st.RobotID)
	}
}

// tryAlignLocked attempts cross-robot global initialization through any
// shared edge whose neighbor endpoint is now known.
func (s *Sim) tryAlignLocked(neighbor wire.RobotID) {
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() || !e.Involves(neighbor) {
			continue
		}
		var localFrame uint32
		var target []float64
		if e.FromRobot == neighbor && e.ToRobot == s.id {
			n, ok := s.neighborEst[wire.PoseID{Robot: neighbor, Frame: e.FromPose}]
			if !ok {
				continue
			}
			localFrame = e.ToPose
			target = make([]float64, s.d)
			for i := 0; i < s.d; i++ {
				var t float64
				if i < len(e.Translation) {
					t = e.Translation[i]
				}
				target[i] = n[i] + t
			}
		} else if e.FromRobot == s.id && e.ToRobot == neighbor {
			n, ok := s.neighborEst[wire.PoseID{Robot: neighbor, Frame: e.ToPose}]
			if !ok {
				continue
			}
			localFrame = e.FromPose
			target = make([]float64, s.d)
			for i := 0; i < s.d; i++ {
				var t float64
				if i < len(e.Translation) {
					t = e.Translation[i]
				}
				target[i] = n[i] - t
			}
		} else {
			continue
		}

		offset := make([]float64, s.d)
		for i := 0; i < s.d; i++ {
			offset[i] = target[i] - s.est[localFrame][i]
		}
		s.shiftAllLocked(offset)
		s.globalInit = true
		return
	}
}

// Step runs one block-coordinate pass over the local poses.
func (s *Sim) Step(_ context.Context, optimize bool) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.localInit {
		return StepResult{}, types.NewError(types.ErrSolverFailure, "step before initialization").
			WithRobot(uint32(s.id))
	}
	if !optimize {
		return StepResult{Success: true, RelativeChange: s.lastRelChange}, nil
	}

	fInit := s.objectiveLocked()
	maxDelta := 0.0
	for sweep := 0; sweep < s.cfg.Sweeps; sweep++ {
		for _, f := range s.frames {
			// 固定 0 号机器人的第 0 帧，消除规范自由度
			if s.id == 0 && f == s.frames[0] && s.globalInit {
				continue
			}
			var acc []float64 = make([]float64, s.d)
			var wsum float64
			for _, key := range s.order {
				e := s.edges[key]
				w := e.Weight * e.TauTrans
				if w <= 0 {
					continue
				}
				if e.IsShared() && s.inactive[e.Other(s.id)] {
					continue
				}
				if e.FromRobot == s.id && e.FromPose == f {
					other, ok := s.positionLocked(e.ToRobot, e.ToPose)
					if !ok {
						continue
					}
					for i := 0; i < s.d; i++ {
						var t float64
						if i < len(e.Translation) {
							t = e.Translation[i]
						}
						acc[i] += w * (other[i] - t)
					}
					wsum += w
				} else if e.ToRobot == s.id && e.ToPose == f {
					other, ok := s.positionLocked(e.FromRobot, e.FromPose)
					if !ok {
						continue
					}
					for i := 0; i < s.d; i++ {
						var t float64
						if i < len(e.Translation) {
							t = e.Translation[i]
						}
						acc[i] += w * (other[i] + t)
					}
					wsum += w
				}
			}
			if wsum <= 0 {
				continue
			}
			delta := 0.0
			for i := 0; i < s.d; i++ {
				v := acc[i] / wsum
				delta += (v - s.est[f][i]) * (v - s.est[f][i])
				s.est[f][i] = v
			}
			if d := math.Sqrt(delta); d > maxDelta {
				maxDelta = d
			}
		}
	}
	fOpt := s.objectiveLocked()
	s.lastRelChange = maxDelta
	return StepResult{
		Success:        true,
		RelativeChange: maxDelta,
		FuncDecrease:   fInit - fOpt,
		GradNormInit:   math.Sqrt(fInit),
		GradNormOpt:    math.Sqrt(fOpt),
	}, nil
}

// positionLocked resolves the current estimate of any pose, local or
// neighbor. ok=false when unknown.
func (s *Sim) positionLocked(robot wire.RobotID, frame uint32) ([]float64, bool) {
	if robot == s.id {
		v, ok := s.est[frame]
		return v, ok
	}
	v, ok := s.neighborEst[wire.PoseID{Robot: robot, Frame: frame}]
	return v, ok
}

func (s *Sim) objectiveLocked() float64 {
	total := 0.0
	for _, key := range s.order {
		e := s.edges[key]
		w := e.Weight * e.TauTrans
		if w <= 0 {
			continue
		}
		from, ok1 := s.positionLocked(e.FromRobot, e.FromPose)
		to, ok2 := s.positionLocked(e.ToRobot, e.ToPose)
		if !ok1 || !ok2 {
			continue
		}
		for i := 0; i < s.d; i++ {
			var t float64
			if i < len(e.Translation) {
				t = e.Translation[i]
			}
			r := to[i] - from[i] - t
			total += w * r * r
		}
	}
	return total
}

// residualLocked computes the current residual of a shared edge. ok=false
// when an endpoint estimate is missing.
func (s *Sim) residualLocked(e *wire.Edge) (float64, bool) {
	from, ok1 := s.positionLocked(e.FromRobot, e.FromPose)
	to, ok2 := s.positionLocked(e.ToRobot, e.ToPose)
	if !ok1 || !ok2 {
		return 0, false
	}
	sum := 0.0
	for i := 0; i < s.d; i++ {
		var t float64
		if i < len(e.Translation) {
			t = e.Translation[i]
		}
		r := to[i] - from[i] - t
		sum += r * r
	}
	return math.Sqrt(sum), true
}

// Status reports the solver-side view.
func (s *Sim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Initialized:    s.globalInit,
		RelativeChange: s.lastRelChange,
		NumPoses:       len(s.frames),
	}
}

// SharedState collects the local poses visible to one neighbor.
func (s *Sim) SharedState(neighbor wire.RobotID, auxiliary bool) (wire.BoundaryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.localInit {
		return wire.BoundaryState{}, false
	}
	seen := make(map[uint32]bool)
	var frames []uint32
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() || !e.Involves(neighbor) {
			continue
		}
		var f uint32
		if e.FromRobot == s.id {
			f = e.FromPose
		} else {
			f = e.ToPose
		}
		if !seen[f] {
			seen[f] = true
			frames = append(frames, f)
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	st := wire.BoundaryState{
		RobotID:     s.id,
		Destination: neighbor,
		Auxiliary:   auxiliary,
	}
	for _, f := range frames {
		st.PoseIDs = append(st.PoseIDs, f)
		st.Poses = append(st.Poses, wire.Matrix{Rows: 1, Cols: s.d, Data: append([]float64(nil), s.est[f]...)})
	}
	return st, true
}

// Neighbors lists the robots this robot shares loop closures with.
func (s *Sim) Neighbors() []wire.RobotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neighborsLocked(false)
}

// ActiveNeighbors lists neighbors not deactivated by the coordination layer.
func (s *Sim) ActiveNeighbors() []wire.RobotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neighborsLocked(true)
}

func (s *Sim) neighborsLocked(activeOnly bool) []wire.RobotID {
	seen := make(map[wire.RobotID]bool)
	var out []wire.RobotID
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() {
			continue
		}
		other := e.Other(s.id)
		if seen[other] {
			continue
		}
		if activeOnly && s.inactive[other] {
			continue
		}
		seen[other] = true
		out = append(out, other)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetRobotActive marks a robot (de)activated for optimization purposes.
func (s *Sim) SetRobotActive(id wire.RobotID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		delete(s.inactive, id)
	} else {
		s.inactive[id] = true
	}
}

// SharedMeasurements returns copies of all inter-robot loop closures.
func (s *Sim) SharedMeasurements() []wire.Edge {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []wire.Edge
	for _, key := range s.order {
		e := s.edges[key]
		if e.IsShared() {
			cp := *e
			cp.Translation = append([]float64(nil), e.Translation...)
			cp.Rotation = e.Rotation.Clone()
			out = append(out, cp)
		}
	}
	return out
}

// SharedEdgeWeights returns the weight of every shared loop closure.
func (s *Sim) SharedEdgeWeights() []wire.EdgeWeight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedEdgeWeightsLocked()
}

func (s *Sim) sharedEdgeWeightsLocked() []wire.EdgeWeight {
	var out []wire.EdgeWeight
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() {
			continue
		}
		out = append(out, wire.EdgeWeight{
			SrcRobot:    e.FromRobot,
			SrcPose:     e.FromPose,
			DstRobot:    e.ToRobot,
			DstPose:     e.ToPose,
			Weight:      e.Weight,
			FixedWeight: e.FixedWeight,
		})
	}
	return out
}

// RecomputeWeights reevaluates robust weights with a Geman-McClure kernel.
func (s *Sim) RecomputeWeights() []wire.EdgeWeight {
	s.mu.Lock()
	defer s.mu.Unlock()

	barcSq := s.cfg.RobustThreshold * s.cfg.RobustThreshold
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() || e.FixedWeight {
			continue
		}
		r, ok := s.residualLocked(e)
		if !ok {
			continue
		}
		e.Weight = barcSq / (barcSq + r*r)
	}
	return s.sharedEdgeWeightsLocked()
}

// ApplyWeight adopts a weight received from a neighbor.
func (s *Sim) ApplyWeight(w wire.EdgeWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := w.Key()
	e, ok := s.edges[key]
	if !ok {
		// 兼容边方向相反的情况
		rev := wire.EdgeKey{FromRobot: key.ToRobot, FromPose: key.ToPose, ToRobot: key.FromRobot, ToPose: key.FromPose}
		if e, ok = s.edges[rev]; !ok {
			return types.NewError(types.ErrUnknownEdge, "no such shared loop closure").WithRobot(uint32(s.id))
		}
	}
	e.Weight = w.Weight
	e.FixedWeight = w.FixedWeight
	return nil
}

// FinalizeWeights snaps converged weights at the end of a robust round.
func (s *Sim) FinalizeWeights(tol float64) ([]wire.EdgeWeight, WeightStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats WeightStats
	for _, key := range s.order {
		e := s.edges[key]
		if !e.IsShared() {
			continue
		}
		if !e.FixedWeight && e.Weight < tol {
			e.Weight = 0
			e.FixedWeight = true
		}
		switch {
		case e.Weight < tol:
			stats.Rejected++
		case e.Weight > 1-tol:
			stats.Accepted++
		default:
			stats.Undecided++
		}
	}
	return s.sharedEdgeWeightsLocked(), stats
}

// SetLiftingMatrix stores the team-wide lifting matrix.
func (s *Sim) SetLiftingMatrix(m wire.Matrix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m.Clone()
	s.lifting = &cp
}

// LiftingMatrix returns the lifting matrix if one is known.
func (s *Sim) LiftingMatrix() (wire.Matrix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifting == nil {
		return wire.Matrix{}, false
	}
	return s.lifting.Clone(), true
}

// SetGlobalAnchor records the global anchor pose.
func (s *Sim) SetGlobalAnchor(pose wire.Matrix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchor = append([]float64(nil), pose.Data...)
}

// TrajectoryInGlobalFrame snapshots the current global-frame trajectory.
func (s *Sim) TrajectoryInGlobalFrame() (wire.Trajectory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.globalInit {
		return wire.Trajectory{}, false
	}
	tr := wire.Trajectory{RobotID: s.id, Stamp: time.Now()}
	for _, f := range s.frames {
		tr.PoseIDs = append(tr.PoseIDs, f)
		tr.Poses = append(tr.Poses, wire.Matrix{Rows: 1, Cols: s.d, Data: append([]float64(nil), s.est[f]...)})
	}
	return tr, true
}

// Reset clears iterates but keeps the partition and its weights.
func (s *Sim) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Sim) resetLocked() {
	s.localInit = false
	s.globalInit = false
	s.est = make(map[uint32][]float64)
	s.neighborEst = make(map[wire.PoseID][]float64)
	s.auxNeighborEst = make(map[wire.PoseID][]float64)
	s.anchor = nil
	s.lastRelChange = 0
}

// DiscardGraph drops the partition entirely.
func (s *Sim) DiscardGraph() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.edges = make(map[wire.EdgeKey]*wire.Edge)
	s.order = nil
	s.frames = nil
	s.numOdometry = 0
}
