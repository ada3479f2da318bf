package graph

import (
	"math/rand"
	"sort"

	"github.com/BaSui01/dpgoflow/wire"
)

// GeneratorConfig 控制合成多机器人位姿图的形状。
type GeneratorConfig struct {
	NumRobots     int
	PosesPerRobot int
	// Dimension of the translation space. Default 3.
	Dimension int
	// Spacing between consecutive poses along each trajectory. Default 1.
	Spacing float64
	// LoopStride inserts a shared loop closure between adjacent robots
	// every this many frames. Default 3.
	LoopStride int
	// OutlierRatio is the fraction of shared loops corrupted into gross
	// outliers (still carrying weight 1, for robust optimization to find).
	OutlierRatio float64
	// NoiseStdDev perturbs every measured translation component.
	NoiseStdDev float64
	Seed        int64
}

func (c *GeneratorConfig) applyDefaults() {
	if c.NumRobots <= 0 {
		c.NumRobots = 2
	}
	if c.PosesPerRobot <= 0 {
		c.PosesPerRobot = 5
	}
	if c.Dimension <= 0 {
		c.Dimension = 3
	}
	if c.Spacing == 0 {
		c.Spacing = 1
	}
	if c.LoopStride <= 0 {
		c.LoopStride = 3
	}
}

// Problem 是一个完整的合成问题：全队的边集与真值轨迹。
type Problem struct {
	cfg         GeneratorConfig
	Edges       []wire.Edge
	GroundTruth map[wire.PoseID][]float64
}

// Generate 构造确定性的合成问题。每个机器人沿 x 轴直线行驶，
// 相邻机器人在 y 方向错开一个间距，并周期性地由共享闭环相连。
func Generate(cfg GeneratorConfig) *Problem {
	cfg.applyDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	p := &Problem{cfg: cfg, GroundTruth: make(map[wire.PoseID][]float64)}
	for r := 0; r < cfg.NumRobots; r++ {
		for f := 0; f < cfg.PosesPerRobot; f++ {
			pos := make([]float64, cfg.Dimension)
			pos[0] = float64(f) * cfg.Spacing
			if cfg.Dimension > 1 {
				pos[1] = float64(r) * cfg.Spacing
			}
			p.GroundTruth[wire.PoseID{Robot: wire.RobotID(r), Frame: uint32(f)}] = pos
		}
	}

	noise := func() float64 {
		if cfg.NoiseStdDev <= 0 {
			return 0
		}
		return rng.NormFloat64() * cfg.NoiseStdDev
	}
	relative := func(from, to wire.PoseID) []float64 {
		a := p.GroundTruth[from]
		b := p.GroundTruth[to]
		t := make([]float64, cfg.Dimension)
		for i := range t {
			t[i] = b[i] - a[i] + noise()
		}
		return t
	}

	// Odometry chains.
	for r := 0; r < cfg.NumRobots; r++ {
		id := wire.RobotID(r)
		for f := 0; f+1 < cfg.PosesPerRobot; f++ {
			from := wire.PoseID{Robot: id, Frame: uint32(f)}
			to := wire.PoseID{Robot: id, Frame: uint32(f + 1)}
			p.Edges = append(p.Edges, wire.Edge{
				FromRobot:   id,
				FromPose:    from.Frame,
				ToRobot:     id,
				ToPose:      to.Frame,
				Kind:        wire.EdgeOdometry,
				Rotation:    wire.Identity(cfg.Dimension),
				Translation: relative(from, to),
				KappaRot:    1,
				TauTrans:    1,
				Weight:      1,
			})
		}
	}

	// Shared loops between adjacent robots, with a slice of them corrupted.
	var shared []int
	for r := 0; r+1 < cfg.NumRobots; r++ {
		a := wire.RobotID(r)
		b := wire.RobotID(r + 1)
		for f := 0; f < cfg.PosesPerRobot; f += cfg.LoopStride {
			from := wire.PoseID{Robot: a, Frame: uint32(f)}
			to := wire.PoseID{Robot: b, Frame: uint32(f)}
			p.Edges = append(p.Edges, wire.Edge{
				FromRobot:   a,
				FromPose:    from.Frame,
				ToRobot:     b,
				ToPose:      to.Frame,
				Kind:        wire.EdgeSharedLoop,
				Rotation:    wire.Identity(cfg.Dimension),
				Translation: relative(from, to),
				KappaRot:    1,
				TauTrans:    1,
				Weight:      1,
			})
			shared = append(shared, len(p.Edges)-1)
		}
	}
	if cfg.OutlierRatio > 0 && len(shared) > 1 {
		// 至少保留一条干净闭环，保证图保持连通对齐
		n := int(float64(len(shared)) * cfg.OutlierRatio)
		if n >= len(shared) {
			n = len(shared) - 1
		}
		perm := rng.Perm(len(shared))
		for i := 0; i < n; i++ {
			e := &p.Edges[shared[perm[i]]]
			for j := range e.Translation {
				e.Translation[j] += 20 + rng.Float64()*20
			}
		}
	}
	return p
}

// PartitionFor returns every edge involving the given robot.
func (p *Problem) PartitionFor(robot wire.RobotID) []wire.Edge {
	var out []wire.Edge
	for _, e := range p.Edges {
		if e.Involves(robot) {
			out = append(out, e)
		}
	}
	return out
}

// Robots lists the robot IDs present in the problem.
func (p *Problem) Robots() []wire.RobotID {
	seen := make(map[wire.RobotID]bool)
	var out []wire.RobotID
	for _, e := range p.Edges {
		for _, id := range []wire.RobotID{e.FromRobot, e.ToRobot} {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Source exposes the problem as a per-robot partition source.
func (p *Problem) Source() Source {
	parts := make(map[wire.RobotID][]wire.Edge)
	for _, id := range p.Robots() {
		parts[id] = p.PartitionFor(id)
	}
	return NewStaticSource(parts)
}
