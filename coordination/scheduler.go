package coordination

import (
	"math/rand"
	"time"

	"github.com/BaSui01/dpgoflow/wire"
)

// scheduler 选择下一个执行 UPDATE 的机器人。
// 只在控制循环里使用，不做并发保护。
type scheduler struct {
	rule UpdateRule
	rng  *rand.Rand
}

// newScheduler 创建调度器。seed 为 0 时取时钟种子。
func newScheduler(rule UpdateRule, seed int64) *scheduler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &scheduler{
		rule: rule,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Next 从候选集合中选出下一个执行者。候选集合是当前活跃且已初始化的
// 机器人编号，升序且非空；after 是本次迭代的执行者（轮转起点）。
func (s *scheduler) Next(candidates []wire.RobotID, after wire.RobotID, teamSize int) (wire.RobotID, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	switch s.rule {
	case UpdateRuleRoundRobin:
		member := make(map[wire.RobotID]bool, len(candidates))
		for _, id := range candidates {
			member[id] = true
		}
		next := wire.RobotID((int(after) + 1) % teamSize)
		for i := 0; i < teamSize; i++ {
			if member[next] {
				return next, true
			}
			next = wire.RobotID((int(next) + 1) % teamSize)
		}
		return 0, false
	default: // UpdateRuleUniform
		return candidates[s.rng.Intn(len(candidates))], true
	}
}
