package wire

import "fmt"

// 频道名。每个机器人在自己的命名空间下发布，订阅方订阅全队的频道。
const (
	ChannelCommand       = "command"
	ChannelStatus        = "status"
	ChannelLiftingMatrix = "lifting_matrix"
	ChannelBoundary      = "boundary_state"
	ChannelAnchor        = "anchor"
	ChannelMeasurements  = "measurements"
	ChannelWeights       = "weights"
	ChannelConnectivity  = "connectivity"
)

// Topic builds the bus topic for one robot's channel, e.g. "dpgo/2/command".
func Topic(namespace string, robot RobotID, channel string) string {
	return fmt.Sprintf("%s/%d/%s", namespace, robot, channel)
}

func CommandTopic(ns string, robot RobotID) string      { return Topic(ns, robot, ChannelCommand) }
func StatusTopic(ns string, robot RobotID) string       { return Topic(ns, robot, ChannelStatus) }
func LiftingTopic(ns string, robot RobotID) string      { return Topic(ns, robot, ChannelLiftingMatrix) }
func BoundaryTopic(ns string, robot RobotID) string     { return Topic(ns, robot, ChannelBoundary) }
func AnchorTopic(ns string, robot RobotID) string       { return Topic(ns, robot, ChannelAnchor) }
func MeasurementsTopic(ns string, robot RobotID) string { return Topic(ns, robot, ChannelMeasurements) }
func WeightsTopic(ns string, robot RobotID) string      { return Topic(ns, robot, ChannelWeights) }
func ConnectivityTopic(ns string, robot RobotID) string { return Topic(ns, robot, ChannelConnectivity) }
