package coordination

import (
	"sync"

	"github.com/BaSui01/dpgoflow/wire"
)

// Intent 标识一类由消息回调登记、延迟到控制循环执行的待办事项。
type Intent uint8

const (
	// IntentTryInitialize 收齐数据后尝试完成本地初始化
	IntentTryInitialize Intent = iota
	// IntentScheduledStep 本机被选为执行者，等待屏障放行后迭代
	IntentScheduledStep
	// IntentCatchUpStep 他人执行迭代，本机补一次跟进步（可计数）
	IntentCatchUpStep
	// IntentPublishBoundary 求解器状态变化后向邻居重发边界位姿
	IntentPublishBoundary
	// IntentPublishWeights 权重更新后向高编号邻居发布权重
	IntentPublishWeights
	// IntentPublishInit 领导者需要重发 INITIALIZE 命令
	IntentPublishInit
	// IntentPublishActiveSet 领导者需要广播最新活跃集合
	IntentPublishActiveSet
	// IntentPublishAsync 异步模式下一步完成后的发布批次
	IntentPublishAsync

	intentCount
)

var intentNames = [intentCount]string{
	"try_initialize",
	"scheduled_step",
	"catch_up_step",
	"publish_boundary",
	"publish_weights",
	"publish_init",
	"publish_active_set",
	"publish_async",
}

func (i Intent) String() string {
	if int(i) < len(intentNames) {
		return intentNames[i]
	}
	return "unknown"
}

// seenCommandCap 限制去重环的大小，防止长时间运行无界增长。
const seenCommandCap = 1024

// mailbox 汇集回调线程登记的意图与收到的命令，由控制循环统一消化。
// 除 IntentCatchUpStep 按次数累加外，其余意图重复登记只保留一次。
type mailbox struct {
	mu       sync.Mutex
	counts   [intentCount]int
	commands []wire.Command
	seen     map[string]struct{}
	seenRing []string
}

func newMailbox() *mailbox {
	return &mailbox{seen: make(map[string]struct{})}
}

// Raise 登记一个意图。
func (m *mailbox) Raise(it Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it == IntentCatchUpStep {
		m.counts[it]++
		return
	}
	m.counts[it] = 1
}

// Has 报告意图是否在挂起。
func (m *mailbox) Has(it Intent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[it] > 0
}

// Take 取走一个意图，返回挂起的次数（0 表示没有挂起）。
func (m *mailbox) Take(it Intent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counts[it]
	m.counts[it] = 0
	return n
}

// Clear 撤销一个挂起的意图。
func (m *mailbox) Clear(it Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[it] = 0
}

// EnqueueCommand 把命令压入待执行队列。
// 带 ID 的重复投递被丢弃，返回 false。
func (m *mailbox) EnqueueCommand(cmd wire.Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd.ID != "" {
		if _, dup := m.seen[cmd.ID]; dup {
			return false
		}
		m.seen[cmd.ID] = struct{}{}
		m.seenRing = append(m.seenRing, cmd.ID)
		if len(m.seenRing) > seenCommandCap {
			delete(m.seen, m.seenRing[0])
			m.seenRing = m.seenRing[1:]
		}
	}
	m.commands = append(m.commands, cmd)
	return true
}

// DrainCommands 按到达顺序取走全部待执行命令。
func (m *mailbox) DrainCommands() []wire.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.commands
	m.commands = nil
	return out
}

// Reset 清空全部意图和命令队列；去重环保留，
// 复位后迟到的重复投递仍然会被丢弃。
func (m *mailbox) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = [intentCount]int{}
	m.commands = nil
}
