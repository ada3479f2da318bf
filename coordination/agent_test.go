package coordination

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/dpgoflow/bus"
	"github.com/BaSui01/dpgoflow/graph"
	"github.com/BaSui01/dpgoflow/persistence"
	"github.com/BaSui01/dpgoflow/solver"
	"github.com/BaSui01/dpgoflow/wire"
)

// --- 测试基建 ---

type recordedMsg struct {
	topic   string
	payload []byte
}

// recordingBus 同步记录全部发布，订阅是空操作。
// 适合断言“恰好发出一条 RECOVER”这类性质。
type recordingBus struct {
	mu   sync.Mutex
	msgs []recordedMsg
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, recordedMsg{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) (bus.Subscription, error) {
	return nopSubscription{}, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
}

func (b *recordingBus) commands(t *testing.T, kind wire.CommandKind) []wire.Command {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Command
	for _, m := range b.msgs {
		if !strings.HasSuffix(m.topic, "/command") {
			continue
		}
		var cmd wire.Command
		require.NoError(t, wire.Unmarshal(m.payload, &cmd))
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

func (b *recordingBus) topicCount(suffix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if strings.HasSuffix(m.topic, suffix) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memoryRounds 把轮次摘要留在内存里供断言。
type memoryRounds struct {
	mu   sync.Mutex
	recs []persistence.RoundRecord
}

func (m *memoryRounds) SaveRound(_ context.Context, rec *persistence.RoundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memoryRounds) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.recs {
		out = append(out, r.Outcome)
	}
	return out
}

func (m *memoryRounds) last() (persistence.RoundRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		return persistence.RoundRecord{}, false
	}
	return m.recs[len(m.recs)-1], true
}

// 链式拓扑的测试分区：每台机器人一段里程计，与相邻编号共享一条闭环。
func testPartition(id wire.RobotID, teamSize int) []wire.Edge {
	edges := []wire.Edge{{
		FromRobot: id, FromPose: 0, ToRobot: id, ToPose: 1,
		Kind: wire.EdgeOdometry, Rotation: wire.Identity(2),
		Translation: []float64{1, 0}, KappaRot: 1, TauTrans: 1, Weight: 1,
	}}
	link := func(a, b wire.RobotID) wire.Edge {
		return wire.Edge{
			FromRobot: a, FromPose: 0, ToRobot: b, ToPose: 0,
			Kind: wire.EdgeSharedLoop, Rotation: wire.Identity(2),
			Translation: []float64{0, 1}, KappaRot: 1, TauTrans: 1, Weight: 1,
		}
	}
	if id > 0 {
		edges = append(edges, link(id-1, id))
	}
	if int(id)+1 < teamSize {
		edges = append(edges, link(id, id+1))
	}
	return edges
}

func testParams(id wire.RobotID, teamSize int) Params {
	return Params{
		RobotID:                 id,
		TeamSize:                teamSize,
		Namespace:               "test",
		UpdateRule:              UpdateRuleRoundRobin,
		MaxDelayedIterations:    0,
		RelChangeTol:            1e-9,
		MaxIterations:           50,
		TimeoutThreshold:        5 * time.Second,
		EnableRecovery:          true,
		SynchronizeMeasurements: true,
		MaxInitRetries:          3,
		SpinInterval:            10 * time.Millisecond,
		HeartbeatInterval:       3 * time.Second,
		LeaderIdleKick:          10 * time.Second,
	}
}

type testHarness struct {
	agent  *Agent
	bus    *recordingBus
	clock  *fakeClock
	rounds *memoryRounds
}

func newTestAgent(t *testing.T, id wire.RobotID, teamSize int, mutate func(*Params)) *testHarness {
	t.Helper()
	p := testParams(id, teamSize)
	if mutate != nil {
		mutate(&p)
	}
	rb := &recordingBus{}
	clk := newFakeClock()
	rounds := &memoryRounds{}

	parts := make(map[wire.RobotID][]wire.Edge)
	for r := 0; r < teamSize; r++ {
		parts[wire.RobotID(r)] = testPartition(wire.RobotID(r), teamSize)
	}
	ag, err := New(p, Deps{
		Bus:    rb,
		Solver: solver.NewSim(solver.SimConfig{RobotID: id, Dimension: 2}),
		Source: graph.NewStaticSource(parts),
		Logger: zaptest.NewLogger(t),
		Rounds: rounds,
		Now:    clk.Now,
		Seed:   1,
	})
	require.NoError(t, err)
	require.NoError(t, ag.Start(context.Background()))
	t.Cleanup(func() { _ = ag.Close() })
	return &testHarness{agent: ag, bus: rb, clock: clk, rounds: rounds}
}

// makeInitialized 把代理直接推进到 INITIALIZED，绕过命令流。
func (h *testHarness) makeInitialized(t *testing.T, active ...wire.RobotID) {
	t.Helper()
	ctx := context.Background()
	ag := h.agent

	edges, err := ag.source.Fetch(ctx, ag.params.RobotID)
	require.NoError(t, err)
	_, err = ag.solver.SetPartition(edges)
	require.NoError(t, err)
	require.NoError(t, ag.solver.Initialize(ctx))
	require.NoError(t, ag.solver.InitializeInGlobalFrame(wire.Matrix{}))

	ag.mu.Lock()
	ag.havePartition = true
	ag.refreshNeighbors()
	ag.team.applyActiveSet(active)
	ag.team.markAllMeasurements()
	ag.clusterID = 0
	ag.state = StateInitialized
	ag.roundStartAt = h.clock.Now()
	ag.mu.Unlock()
	h.bus.reset()
}

func (h *testHarness) putStatus(st wire.Status) {
	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	if st.Timestamp.IsZero() {
		st.Timestamp = h.clock.Now()
	}
	h.agent.team.putStatus(st)
}

func (h *testHarness) iteration() uint64 {
	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	return h.agent.iteration
}

func (h *testHarness) state() State {
	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	return h.agent.state
}

func deliver(t *testing.T, handler func(string, []byte), v any) {
	t.Helper()
	payload, err := wire.Marshal(v)
	require.NoError(t, err)
	handler("", payload)
}

// --- UPDATE 语义（执行者迭代，其余跟进）---

func TestUpdateCommandExecutorRunsScheduledStep(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 3, nil)
	h.makeInitialized(t, 0, 1, 2)
	ctx := context.Background()

	deliver(t, h.agent.onCommand, wire.Command{
		Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 1, ExecutingIteration: 1,
	})
	h.agent.Tick(ctx)

	assert.EqualValues(t, 1, h.iteration())
	h.agent.mu.Lock()
	assert.False(t, h.agent.lastStepAt.IsZero(), "scheduled step optimizes")
	assert.False(t, h.agent.box.Has(IntentScheduledStep))
	h.agent.mu.Unlock()
	assert.Greater(t, h.bus.topicCount("/boundary_state"), 0)
	assert.Greater(t, h.bus.topicCount("/status"), 0)
}

func TestUpdateCommandForOthersRunsCountedCatchUp(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 3, nil)
	h.makeInitialized(t, 0, 1, 2)
	ctx := context.Background()

	deliver(t, h.agent.onCommand, wire.Command{
		ID: "u1", Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 0, ExecutingIteration: 1,
	})
	deliver(t, h.agent.onCommand, wire.Command{
		ID: "u2", Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 2, ExecutingIteration: 2,
	})
	h.agent.Tick(ctx)

	// 两条他人执行的 UPDATE 推进恰好两个迭代，但本机不做优化
	assert.EqualValues(t, 2, h.iteration())
	h.agent.mu.Lock()
	assert.True(t, h.agent.lastStepAt.IsZero())
	assert.EqualValues(t, 1, h.agent.team.iterRequired[0])
	assert.EqualValues(t, 2, h.agent.team.iterRequired[2])
	h.agent.mu.Unlock()
}

func TestUpdateCommandDeduplicatedByID(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 3, nil)
	h.makeInitialized(t, 0, 1, 2)
	ctx := context.Background()

	cmd := wire.Command{
		ID: "dup", Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 0, ExecutingIteration: 1,
	}
	deliver(t, h.agent.onCommand, cmd)
	deliver(t, h.agent.onCommand, cmd)
	h.agent.Tick(ctx)

	assert.EqualValues(t, 1, h.iteration(), "redelivered command must not run twice")
}

func TestUpdateIgnoredBeforeInitialization(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.agent.mu.Lock()
	h.agent.clusterID = 0
	h.agent.mu.Unlock()

	deliver(t, h.agent.onCommand, wire.Command{
		Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 1, ExecutingIteration: 1,
	})
	h.agent.Tick(context.Background())

	assert.Zero(t, h.iteration())
	assert.Equal(t, StateWaitForData, h.state())
}

func TestScheduledStepWaitsForBarrier(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 3, nil)
	h.makeInitialized(t, 0, 1, 2)
	ctx := context.Background()

	// 邻居 0 的进度被要求到迭代 3，但尚未收到任何边界状态
	h.agent.mu.Lock()
	h.agent.team.iterRequired[0] = 3
	h.agent.mu.Unlock()

	deliver(t, h.agent.onCommand, wire.Command{
		Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 1, ExecutingIteration: 1,
	})
	h.agent.Tick(ctx)

	assert.Zero(t, h.iteration(), "step must not run while a neighbor lags")
	h.agent.mu.Lock()
	assert.True(t, h.agent.box.Has(IntentScheduledStep), "intent stays armed")
	h.agent.mu.Unlock()

	// 邻居赶上后，下一次循环放行
	deliver(t, h.agent.onBoundaryState, wire.BoundaryState{
		RobotID: 0, Cluster: 0, Destination: 1, Iteration: 3,
		PoseIDs: []uint32{0}, Poses: []wire.Matrix{{Rows: 1, Cols: 2, Data: []float64{0, -1}}},
	})
	h.agent.Tick(ctx)
	assert.EqualValues(t, 1, h.iteration())
}

// --- INITIALIZE 重试与放弃 ---

func TestInitializeRetryRaisesIntent(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 0, 2, nil)
	ag := h.agent
	ag.mu.Lock()
	ag.state = StateWaitForInit
	ag.havePartition = true
	ag.team.applyActiveSet([]wire.RobotID{0, 1})
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{Kind: wire.CmdInitialize, PublishingRobot: 0, Cluster: 0})
	ag.Tick(context.Background())

	ag.mu.Lock()
	assert.True(t, ag.box.Has(IntentPublishInit))
	ag.mu.Unlock()
	assert.Empty(t, h.bus.commands(t, wire.CmdHardTerminate))

	// 心跳时重发 INITIALIZE 并消费一次重试预算
	ag.Heartbeat(context.Background())
	assert.Len(t, h.bus.commands(t, wire.CmdInitialize), 1)
	ag.mu.Lock()
	assert.Equal(t, 1, ag.initStepsDone)
	assert.False(t, ag.box.Has(IntentPublishInit))
	ag.mu.Unlock()
}

func TestInitializeExhaustionHardTerminates(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 0, 2, nil)
	ag := h.agent
	ag.mu.Lock()
	ag.state = StateWaitForInit
	ag.havePartition = true
	ag.team.applyActiveSet([]wire.RobotID{0, 1})
	ag.initStepsDone = ag.params.MaxInitRetries + 1
	ag.mu.Unlock()
	h.putStatus(wire.Status{RobotID: 1, Cluster: 0, State: string(StateWaitForData)})

	deliver(t, ag.onCommand, wire.Command{Kind: wire.CmdInitialize, PublishingRobot: 0, Cluster: 0})
	ag.Tick(context.Background())

	assert.Len(t, h.bus.commands(t, wire.CmdHardTerminate), 1,
		"retry budget exhausted with <2 initialized robots aborts exactly once")
	ag.mu.Lock()
	assert.False(t, ag.box.Has(IntentPublishInit))
	ag.mu.Unlock()
}

// --- RECOVER 后置条件 ---

func TestRecoverResetsIterationLedgers(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 3, nil)
	h.makeInitialized(t, 0, 1, 2)
	ag := h.agent

	ag.mu.Lock()
	ag.iteration = 9
	ag.team.iterRequired[0] = 9
	ag.team.iterReceived[0] = 4
	ag.team.iterRequired[2] = 8
	ag.team.iterReceived[2] = 6
	ag.box.Raise(IntentScheduledStep)
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdRecover, PublishingRobot: 0, Cluster: 0, ExecutingIteration: 7,
	})
	ag.Tick(context.Background())

	ag.mu.Lock()
	defer ag.mu.Unlock()
	assert.EqualValues(t, 7, ag.iteration)
	for _, nb := range []wire.RobotID{0, 2} {
		assert.EqualValues(t, 7, ag.team.iterRequired[nb])
		assert.Zero(t, ag.team.iterReceived[nb])
	}
	assert.False(t, ag.box.Has(IntentScheduledStep), "stale scheduled step is discarded")
}

// --- 鲁棒权重 ---

func TestUnknownEdgeWeightRejected(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent
	ctx := context.Background()

	before := ag.solver.SharedEdgeWeights()
	require.Len(t, before, 1)
	require.EqualValues(t, 1, before[0].Weight)

	deliver(t, ag.onWeights, wire.WeightUpdate{
		RobotID: 0, Cluster: 0, Destination: 1,
		Weights: []wire.EdgeWeight{{SrcRobot: 0, SrcPose: 5, DstRobot: 1, DstPose: 7, Weight: 0.5}},
	})
	ag.Tick(ctx)

	after := ag.solver.SharedEdgeWeights()
	require.Len(t, after, 1)
	assert.EqualValues(t, 1, after[0].Weight, "unknown edge must leave weights untouched")

	deliver(t, ag.onWeights, wire.WeightUpdate{
		RobotID: 0, Cluster: 0, Destination: 1,
		Weights: []wire.EdgeWeight{{SrcRobot: 0, SrcPose: 0, DstRobot: 1, DstPose: 0, Weight: 0.25}},
	})
	ag.Tick(ctx)

	after = ag.solver.SharedEdgeWeights()
	require.Len(t, after, 1)
	assert.EqualValues(t, 0.25, after[0].Weight)
}

func TestUpdateWeightCommand(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 0, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent
	h.putStatus(wire.Status{RobotID: 1, Cluster: 0, State: string(StateInitialized)})

	ag.mu.Lock()
	ag.iteration = 6
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{Kind: wire.CmdUpdateWeight, PublishingRobot: 0, Cluster: 0})
	ag.Tick(context.Background())

	ag.mu.Lock()
	assert.Equal(t, 1, ag.weightUpdates)
	assert.EqualValues(t, 6, ag.lastWeightIter)
	assert.EqualValues(t, 6, ag.team.iterRequired[1], "neighbors must reach the local iteration")
	ag.mu.Unlock()
	assert.Greater(t, h.bus.topicCount("/weights"), 0)
	assert.Len(t, h.bus.commands(t, wire.CmdUpdate), 1, "leader resumes the update chain")
}

// --- 错误集群隔离 ---

func TestWrongClusterNeverMutatesRoundState(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent
	ctx := context.Background()

	ag.mu.Lock()
	commandClock := ag.lastCommandAt
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 2,
		ExecutingRobot: 1, ExecutingIteration: 1,
	})
	deliver(t, ag.onBoundaryState, wire.BoundaryState{
		RobotID: 0, Cluster: 3, Destination: 1, Iteration: 9,
		PoseIDs: []uint32{0}, Poses: []wire.Matrix{{Rows: 1, Cols: 2, Data: []float64{0, 0}}},
	})
	deliver(t, ag.onWeights, wire.WeightUpdate{
		RobotID: 0, Cluster: 4, Destination: 1,
		Weights: []wire.EdgeWeight{{SrcRobot: 0, SrcPose: 0, DstRobot: 1, DstPose: 0, Weight: 0.1}},
	})
	deliver(t, ag.onMeasurements, wire.MeasurementBatch{FromRobot: 0, FromCluster: 5, Destination: 1})
	ag.Tick(ctx)

	ag.mu.Lock()
	defer ag.mu.Unlock()
	assert.Zero(t, ag.iteration)
	assert.Equal(t, commandClock, ag.lastCommandAt)
	assert.Zero(t, ag.team.iterReceived[0])
	assert.Empty(t, ag.pendingStates)
	assert.Empty(t, ag.pendingWeights)
	assert.False(t, ag.team.hasMeasurementsFrom(0))
}

func TestWrongClusterStatusInvisibleToDecisions(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 0, 2, nil)
	h.makeInitialized(t, 0, 1)
	h.putStatus(wire.Status{RobotID: 1, Cluster: 7, State: string(StateInitialized)})

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	_, ok := h.agent.sameClusterStatus(1)
	assert.False(t, ok)
	assert.False(t, h.agent.robotInitialized(1))
}

// --- 命令准入细节 ---

func TestNoopAndActiveSetDoNotRefreshCommandClock(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent

	ag.mu.Lock()
	before := ag.lastCommandAt
	ag.mu.Unlock()
	h.clock.Advance(time.Second)

	deliver(t, ag.onCommand, wire.Command{Kind: wire.CmdNoop, PublishingRobot: 0, Cluster: 0})
	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdSetActiveRobots, PublishingRobot: 0, Cluster: 0,
		ActiveRobots: []wire.RobotID{0, 1},
	})
	ag.mu.Lock()
	assert.Equal(t, before, ag.lastCommandAt, "background traffic is not coordination progress")
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdUpdate, PublishingRobot: 0, Cluster: 0,
		ExecutingRobot: 0, ExecutingIteration: 1,
	})
	ag.mu.Lock()
	assert.True(t, ag.lastCommandAt.After(before))
	ag.mu.Unlock()
}

func TestRequestPoseGraphMidRoundResetsFirst(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent
	ag.mu.Lock()
	ag.iteration = 5
	ag.mu.Unlock()

	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdRequestPoseGraph, PublishingRobot: 0, Cluster: 0,
		ActiveRobots: []wire.RobotID{0, 1},
	})
	ag.Tick(context.Background())

	ag.mu.Lock()
	defer ag.mu.Unlock()
	assert.EqualValues(t, 1, ag.instance, "previous round is closed before adopting the new one")
	assert.Zero(t, ag.iteration)
	assert.Equal(t, StateWaitForInit, ag.state)
	assert.True(t, ag.box.Has(IntentTryInitialize))
}

func TestRequestPoseGraphOpensRoundLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := testParams(1, 2)
	rb := &recordingBus{}
	clk := newFakeClock()
	parts := map[wire.RobotID][]wire.Edge{1: testPartition(1, 2)}
	ag, err := New(p, Deps{
		Bus:    rb,
		Solver: solver.NewSim(solver.SimConfig{RobotID: 1, Dimension: 2}),
		Source: graph.NewStaticSource(parts),
		Logger: zaptest.NewLogger(t),
		LogDir: dir,
		Now:    clk.Now,
	})
	require.NoError(t, err)
	require.NoError(t, ag.Start(context.Background()))
	t.Cleanup(func() { _ = ag.Close() })

	ag.mu.Lock()
	ag.clusterID = 0
	ag.mu.Unlock()
	clk.Advance(42 * time.Second)

	deliver(t, ag.onCommand, wire.Command{
		Kind: wire.CmdRequestPoseGraph, PublishingRobot: 0, Cluster: 0,
		ActiveRobots: []wire.RobotID{0, 1},
	})
	ag.Tick(context.Background())

	matches, err := filepath.Glob(filepath.Join(dir, "dpgo_log_*.csv"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

// --- 字节账本 ---

func TestBoundaryStateBytesAccounted(t *testing.T) {
	t.Parallel()

	h := newTestAgent(t, 1, 2, nil)
	h.makeInitialized(t, 0, 1)
	ag := h.agent

	primary := wire.BoundaryState{
		RobotID: 0, Cluster: 0, Destination: 1, Iteration: 7,
		PoseIDs: []uint32{0, 1},
		Poses:   []wire.Matrix{wire.NewMatrix(2, 2), wire.NewMatrix(2, 2)},
	}
	aux := primary
	aux.Auxiliary = true
	aux.PoseIDs = []uint32{0}
	aux.Poses = []wire.Matrix{wire.NewMatrix(2, 2)}

	deliver(t, ag.onBoundaryState, primary)
	deliver(t, ag.onBoundaryState, aux)

	ag.mu.Lock()
	defer ag.mu.Unlock()
	assert.EqualValues(t, primary.PayloadBytes()+aux.PayloadBytes(), ag.bytesIn)
	assert.EqualValues(t, 7, ag.team.iterReceived[0])
	assert.Len(t, ag.pendingStates, 2, "primary and auxiliary iterates are staged separately")
}
