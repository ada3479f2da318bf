package coordination

import (
	"github.com/BaSui01/dpgoflow/wire"
)

// barrierBlock 描述屏障没有放行时正在等待的邻居。
type barrierBlock struct {
	neighbor wire.RobotID
	required int64
	received uint64
}

// barrierReady 判断本机的计划迭代能否执行。
//
// 每个活跃邻居 nb 必须满足 iterReceived[nb] >= required(nb)，其中
// required(nb) = (加速模式 ? 本机迭代号+1 : iterRequired[nb]) − 允许滞后量。
// 有符号计算：required 为负时视为已满足。
func barrierReady(t *team, activeNeighbors []wire.RobotID, acceleration bool,
	localIter uint64, maxDelayed int) (bool, barrierBlock) {

	for _, nb := range activeNeighbors {
		if !t.inRange(nb) {
			continue
		}
		required := int64(t.iterRequired[nb])
		if acceleration {
			required = int64(localIter) + 1
		}
		required -= int64(maxDelayed)
		if int64(t.iterReceived[nb]) < required {
			return false, barrierBlock{
				neighbor: nb,
				required: required,
				received: t.iterReceived[nb],
			}
		}
	}
	return true, barrierBlock{}
}
