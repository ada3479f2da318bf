package coordination

import "fmt"

// State 定义机器人在一轮分布式优化中的生命周期状态
type State string

const (
	// StateWaitForData 空闲，等待本轮位姿图数据
	StateWaitForData State = "WAIT_FOR_DATA"
	// StateWaitForInit 已有数据，等待完成分布式初始化
	StateWaitForInit State = "WAIT_FOR_INITIALIZATION"
	// StateInitialized 已进入全局参考系，可以参与迭代
	StateInitialized State = "INITIALIZED"
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateWaitForData: {StateWaitForInit},
	StateWaitForInit: {StateInitialized, StateWaitForData}, // 超时或轮次结束允许直接回退
	StateInitialized: {StateWaitForData},                   // 轮次结束后复位
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
