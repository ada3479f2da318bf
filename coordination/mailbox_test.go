package coordination

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dpgoflow/wire"
)

func TestMailboxLatchedIntents(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	assert.False(t, m.Has(IntentScheduledStep))

	m.Raise(IntentScheduledStep)
	m.Raise(IntentScheduledStep)
	assert.True(t, m.Has(IntentScheduledStep))
	// 除跟进步外的意图都是闩锁语义，重复登记不叠加
	assert.Equal(t, 1, m.Take(IntentScheduledStep))
	assert.False(t, m.Has(IntentScheduledStep))
	assert.Equal(t, 0, m.Take(IntentScheduledStep))
}

func TestMailboxCatchUpCounts(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	m.Raise(IntentCatchUpStep)
	m.Raise(IntentCatchUpStep)
	m.Raise(IntentCatchUpStep)
	assert.Equal(t, 3, m.Take(IntentCatchUpStep))
	assert.Equal(t, 0, m.Take(IntentCatchUpStep))
}

func TestMailboxClear(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	m.Raise(IntentTryInitialize)
	m.Clear(IntentTryInitialize)
	assert.False(t, m.Has(IntentTryInitialize))
}

func TestMailboxCommandQueueOrderAndDedup(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	require.True(t, m.EnqueueCommand(wire.Command{ID: "a", Kind: wire.CmdUpdate}))
	require.True(t, m.EnqueueCommand(wire.Command{ID: "b", Kind: wire.CmdTerminate}))
	assert.False(t, m.EnqueueCommand(wire.Command{ID: "a", Kind: wire.CmdUpdate}))

	cmds := m.DrainCommands()
	require.Len(t, cmds, 2)
	assert.Equal(t, wire.CmdUpdate, cmds[0].Kind)
	assert.Equal(t, wire.CmdTerminate, cmds[1].Kind)
	assert.Empty(t, m.DrainCommands())

	// 去重记录跨 Drain 存续：重发的旧命令仍被拒绝
	assert.False(t, m.EnqueueCommand(wire.Command{ID: "b", Kind: wire.CmdTerminate}))
}

func TestMailboxResetKeepsDedupRing(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	m.Raise(IntentPublishBoundary)
	require.True(t, m.EnqueueCommand(wire.Command{ID: "x", Kind: wire.CmdRecover}))

	m.Reset()
	assert.False(t, m.Has(IntentPublishBoundary))
	assert.Empty(t, m.DrainCommands())
	// 复位不得忘记见过的命令，否则总线重投会被执行两次
	assert.False(t, m.EnqueueCommand(wire.Command{ID: "x", Kind: wire.CmdRecover}))
}

func TestMailboxDedupRingBounded(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	for i := 0; i < seenCommandCap+100; i++ {
		require.True(t, m.EnqueueCommand(wire.Command{ID: fmt.Sprintf("cmd-%d", i), Kind: wire.CmdNoop}))
	}
	// 最老的记录被挤掉后可以重新入队
	assert.True(t, m.EnqueueCommand(wire.Command{ID: "cmd-0", Kind: wire.CmdNoop}))
	// 新近的记录仍然去重
	assert.False(t, m.EnqueueCommand(wire.Command{ID: fmt.Sprintf("cmd-%d", seenCommandCap+99), Kind: wire.CmdNoop}))
}

func TestMailboxEmptyIDNeverDeduped(t *testing.T) {
	t.Parallel()

	m := newMailbox()
	require.True(t, m.EnqueueCommand(wire.Command{Kind: wire.CmdUpdate}))
	require.True(t, m.EnqueueCommand(wire.Command{Kind: wire.CmdUpdate}))
	assert.Len(t, m.DrainCommands(), 2)
}

func TestIntentString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "try_initialize", IntentTryInitialize.String())
	assert.Equal(t, "scheduled_step", IntentScheduledStep.String())
	assert.NotEmpty(t, IntentPublishActiveSet.String())
}
