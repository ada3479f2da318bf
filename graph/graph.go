// Package graph 提供位姿图数据源：按机器人切分的量测分区。
// 协调层只依赖 Source 接口，具体来源（内存、仿真生成器、文件）可替换。
package graph

import (
	"context"
	"fmt"

	"github.com/BaSui01/dpgoflow/types"
	"github.com/BaSui01/dpgoflow/wire"
)

// Source 按机器人提供其位姿图分区。
// 分区包含该机器人内部的里程计、私有闭环，以及它参与的共享闭环。
type Source interface {
	// Fetch returns the measurement partition of one robot. The slice is
	// owned by the caller.
	Fetch(ctx context.Context, robot wire.RobotID) ([]wire.Edge, error)
}

// StaticSource serves pre-partitioned measurements from memory.
type StaticSource struct {
	partitions map[wire.RobotID][]wire.Edge
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource builds a source from per-robot partitions.
func NewStaticSource(partitions map[wire.RobotID][]wire.Edge) *StaticSource {
	cp := make(map[wire.RobotID][]wire.Edge, len(partitions))
	for id, edges := range partitions {
		cp[id] = append([]wire.Edge(nil), edges...)
	}
	return &StaticSource{partitions: cp}
}

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, robot wire.RobotID) ([]wire.Edge, error) {
	edges, ok := s.partitions[robot]
	if !ok {
		return nil, types.NewError(types.ErrGraphUnavailable,
			fmt.Sprintf("no partition for robot %d", robot)).WithRobot(uint32(robot))
	}
	return append([]wire.Edge(nil), edges...), nil
}
