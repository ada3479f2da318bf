// Package coordination 实现单台机器人的分布式位姿图优化协调代理。
//
// Agent 维护机器人在一轮优化中的生命周期状态机、集群归属、迭代屏障
// 与超时恢复。所有协调决策都在单一控制循环（Tick）里做出：总线回调
// 只做记账并登记意图，命令按到达顺序入队，由下一次 Tick 统一执行。
// 数值求解器通过 solver.Solver 接口注入。
package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dpgoflow/bus"
	"github.com/BaSui01/dpgoflow/graph"
	"github.com/BaSui01/dpgoflow/internal/metrics"
	"github.com/BaSui01/dpgoflow/persistence"
	"github.com/BaSui01/dpgoflow/solver"
	"github.com/BaSui01/dpgoflow/wire"
)

// fetchTimeout 限定向图源拉取本地位姿图的等待时间。
const fetchTimeout = 5 * time.Second

// TrajectorySink 接收轨迹快照，供可视化层消费。
type TrajectorySink interface {
	PublishTrajectory(tr wire.Trajectory)
}

// Deps 聚合 Agent 运行所需的外部依赖。
// Bus、Solver、Source 必填；其余为 nil 时取安静的默认实现。
type Deps struct {
	Bus     bus.Bus
	Solver  solver.Solver
	Source  graph.Source
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Rounds 为 nil 时不落轮次摘要
	Rounds persistence.RoundRecorder
	// Viz 为 nil 时不推送轨迹
	Viz TrajectorySink
	// LogDir 为空时关闭逐迭代 CSV 日志
	LogDir string
	// Now 可注入以便测试控制时钟
	Now func() time.Time
	// Seed 调度器随机种子，0 取时钟
	Seed int64
}

// stateKey 标识一条待应用的邻居边界状态。
type stateKey struct {
	robot wire.RobotID
	aux   bool
}

// Agent 是一台机器人的协调代理。
//
// 除 Start/Run/Close 以外的全部导出方法都只在控制循环里调用；
// 内部状态由单把互斥锁保护，总线回调与 Tick 串行化在其上。
type Agent struct {
	params Params
	name   string
	runID  string

	bus     bus.Bus
	solver  solver.Solver
	source  graph.Source
	logger  *zap.Logger
	metrics *metrics.Collector
	rounds  persistence.RoundRecorder
	viz     TrajectorySink
	logDir  string
	now     func() time.Time

	mu        sync.Mutex
	state     State
	clusterID wire.RobotID
	instance  uint64
	iteration uint64
	team      *team
	box       *mailbox
	sched     *scheduler

	// 求解器衍生的缓存视图，回调线程只读缓存、不碰求解器
	neighborSet   map[wire.RobotID]bool
	havePartition bool

	// 回调暂存的入站载荷，Tick 开头统一喂给求解器
	pendingStates  map[stateKey]wire.BoundaryState
	pendingMeas    []wire.Edge
	pendingWeights []wire.EdgeWeight
	pendingLifting *wire.Matrix
	pendingAnchor  *wire.Matrix

	launchAt      time.Time
	roundStartAt  time.Time
	lastResetAt   time.Time
	lastCommandAt time.Time
	lastStepAt    time.Time
	initStepsDone int

	relChange       float64
	readyToTerm     bool
	lastStepSeconds float64
	bytesIn         uint64

	weightUpdates  int
	lastWeightIter uint64

	// 节流的 UPDATE 待发布槽
	havePending      bool
	pendingExec      wire.RobotID
	pendingNotBefore time.Time

	cachedTrajectory *wire.Trajectory
	globalAnchor     *wire.Matrix

	iterLog *persistence.IterationLog
	subs    []bus.Subscription

	asyncPace *rate.Limiter

	warnBarrier rate.Sometimes
	warnCluster rate.Sometimes
	warnIdle    rate.Sometimes
}

// New 创建协调代理。参数在创建时校验并固定。
func New(p Params, d Deps) (*Agent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if d.Bus == nil {
		return nil, fmt.Errorf("coordination: bus is required")
	}
	if d.Solver == nil {
		return nil, fmt.Errorf("coordination: solver is required")
	}
	if d.Source == nil {
		return nil, fmt.Errorf("coordination: graph source is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := d.Metrics
	if collector == nil {
		collector = metrics.NewNop()
	}
	nowFn := d.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	prefix := p.NamePrefix
	if prefix == "" {
		prefix = "robot"
	}
	name := fmt.Sprintf("%s%d", prefix, p.RobotID)

	a := &Agent{
		params:  p,
		name:    name,
		runID:   uuid.NewString(),
		bus:     d.Bus,
		solver:  d.Solver,
		source:  d.Source,
		logger:  logger.With(zap.String("component", "agent"), zap.String("robot", name)),
		metrics: collector,
		rounds:  d.Rounds,
		viz:     d.Viz,
		logDir:  d.LogDir,
		now:     nowFn,

		state:     StateWaitForData,
		clusterID: p.RobotID,
		team:      newTeam(p.RobotID, p.TeamSize),
		box:       newMailbox(),
		sched:     newScheduler(p.UpdateRule, d.Seed),

		neighborSet:   make(map[wire.RobotID]bool),
		pendingStates: make(map[stateKey]wire.BoundaryState),

		warnBarrier: rate.Sometimes{Interval: time.Second},
		warnCluster: rate.Sometimes{Interval: time.Second},
		warnIdle:    rate.Sometimes{Interval: time.Second},
	}
	if p.Asynchronous {
		a.asyncPace = rate.NewLimiter(rate.Limit(p.AsyncRate), 1)
	}
	return a, nil
}

// Name 返回机器人的展示名（日志与话题前缀）。
func (a *Agent) Name() string { return a.name }

// RunID 返回本进程的运行标识，落入轮次摘要。
func (a *Agent) RunID() string { return a.runID }

// Start 订阅全队话题并记录启动时间。可在 Run 之外单独使用，
// 由调用方自行驱动 Tick/Heartbeat（测试与仿真走这条路）。
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subs != nil {
		return nil
	}

	ns := a.params.Namespace
	type binding struct {
		topic   string
		handler bus.Handler
	}
	var bindings []binding
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		bindings = append(bindings,
			binding{wire.CommandTopic(ns, rid), a.onCommand},
			binding{wire.StatusTopic(ns, rid), a.onStatus},
			binding{wire.LiftingTopic(ns, rid), a.onLiftingMatrix},
			binding{wire.AnchorTopic(ns, rid), a.onAnchor},
			binding{wire.BoundaryTopic(ns, rid), a.onBoundaryState},
			binding{wire.MeasurementsTopic(ns, rid), a.onMeasurements},
		)
		// 权重只从低编号流向高编号，订阅面随之收窄
		if rid < a.params.RobotID {
			bindings = append(bindings, binding{wire.WeightsTopic(ns, rid), a.onWeights})
		}
	}
	bindings = append(bindings, binding{wire.ConnectivityTopic(ns, a.params.RobotID), a.onConnectivity})

	for _, b := range bindings {
		sub, err := a.bus.Subscribe(ctx, b.topic, b.handler)
		if err != nil {
			for _, s := range a.subs {
				_ = s.Close()
			}
			a.subs = nil
			return fmt.Errorf("subscribe %s: %w", b.topic, err)
		}
		a.subs = append(a.subs, sub)
	}

	now := a.now()
	a.launchAt = now
	a.lastResetAt = now
	a.lastCommandAt = now
	a.logger.Info("agent started",
		zap.Int("team_size", a.params.TeamSize),
		zap.Bool("asynchronous", a.params.Asynchronous),
		zap.String("update_rule", string(a.params.UpdateRule)))
	return nil
}

// Run 驱动完整生命周期：订阅、预热、旋转循环与周期性维护，
// 直到 ctx 取消。
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Close()

	a.warmup(ctx)

	spin := time.NewTicker(a.params.SpinInterval)
	defer spin.Stop()
	maintain := time.NewTicker(a.params.HeartbeatInterval)
	defer maintain.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-spin.C:
			a.Tick(ctx)
		case <-maintain.C:
			a.Heartbeat(ctx)
		}
	}
}

// warmup 启动时连发若干 NOOP，让慢启动的订阅端看到流量。
func (a *Agent) warmup(ctx context.Context) {
	for i := 0; i < a.params.WarmupCount; i++ {
		a.mu.Lock()
		a.publishNoop(ctx)
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.params.WarmupInterval):
		}
	}
}

// Close 退订并关闭打开的日志文件。幂等。
func (a *Agent) Close() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	if a.iterLog != nil {
		_ = a.iterLog.Close()
		a.iterLog = nil
	}
	a.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Tick 执行一次控制循环：喂入暂存的邻居数据、按序执行命令、
// 尝试本机迭代、发布挂起的意图，最后检查超时。
func (a *Agent) Tick(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.drainInbound(ctx)

	for _, cmd := range a.box.DrainCommands() {
		a.executeCommand(ctx, cmd)
	}

	if a.params.Asynchronous {
		a.stepAsynchronous(ctx)
	} else {
		a.stepSynchronous(ctx)
	}

	a.drainPublishIntents(ctx)
	a.checkTimeout(ctx)
}

// drainInbound 把回调暂存的载荷应用到求解器上。
func (a *Agent) drainInbound(ctx context.Context) {
	if a.pendingLifting != nil {
		a.solver.SetLiftingMatrix(*a.pendingLifting)
		a.pendingLifting = nil
	}
	if a.pendingAnchor != nil {
		a.solver.SetGlobalAnchor(*a.pendingAnchor)
		a.pendingAnchor = nil
	}
	if len(a.pendingMeas) > 0 {
		added := a.solver.AddMeasurements(a.pendingMeas)
		if added > 0 {
			a.logger.Info("merged shared loop closures", zap.Int("added", added))
		}
		a.pendingMeas = nil
		a.refreshNeighbors()
	}
	for key, st := range a.pendingStates {
		a.solver.ApplyNeighborState(st)
		delete(a.pendingStates, key)
	}
	a.drainPendingWeights()
	a.promoteIfInitialized(ctx)
}

// drainPendingWeights 采纳来自低编号邻居的鲁棒权重。
func (a *Agent) drainPendingWeights() {
	if len(a.pendingWeights) == 0 {
		return
	}
	own := a.params.RobotID
	for _, w := range a.pendingWeights {
		var other wire.RobotID
		switch {
		case w.SrcRobot == own && w.DstRobot != own:
			other = w.DstRobot
		case w.DstRobot == own && w.SrcRobot != own:
			other = w.SrcRobot
		default:
			a.logger.Error("received weight for irrelevant measurement",
				zap.Uint32("src", uint32(w.SrcRobot)), zap.Uint32("dst", uint32(w.DstRobot)))
			a.metrics.RecordDrop(uint32(own), "irrelevant_weight")
			continue
		}
		if !a.team.isActive(other) {
			continue
		}
		// 权重规则：低编号拥有权重，高编号采纳
		if other >= own {
			continue
		}
		if err := a.solver.ApplyWeight(w); err != nil {
			a.logger.Warn("cannot find shared loop closure for weight",
				zap.Uint32("src_robot", uint32(w.SrcRobot)), zap.Uint32("src_pose", w.SrcPose),
				zap.Uint32("dst_robot", uint32(w.DstRobot)), zap.Uint32("dst_pose", w.DstPose))
			a.metrics.RecordDrop(uint32(own), "unknown_edge")
		}
	}
	a.pendingWeights = nil
}

// stepSynchronous 补跟进步，然后在屏障放行时执行本机的计划迭代。
func (a *Agent) stepSynchronous(ctx context.Context) {
	for n := a.box.Take(IntentCatchUpStep); n > 0; n-- {
		a.runCatchUpStep(ctx)
	}
	if !a.box.Has(IntentScheduledStep) {
		return
	}
	ready, block := barrierReady(a.team, a.solver.ActiveNeighbors(),
		a.params.Acceleration, a.iteration, a.params.MaxDelayedIterations)
	if !ready {
		a.warnBarrier.Do(func() {
			a.logger.Warn("waiting for neighbor iteration",
				zap.Uint64("iteration", a.iteration+1),
				zap.Uint32("neighbor", uint32(block.neighbor)),
				zap.Int64("required", block.required),
				zap.Uint64("received", block.received))
		})
		return
	}
	a.box.Clear(IntentScheduledStep)
	a.runScheduledStep(ctx)
}

// stepAsynchronous 按固定频率独立迭代，不经过 UPDATE 调度。
func (a *Agent) stepAsynchronous(ctx context.Context) {
	if a.state != StateInitialized || !a.team.isActive(a.params.RobotID) {
		return
	}
	if a.asyncPace != nil && !a.asyncPace.Allow() {
		return
	}
	a.runStep(ctx, true)
	a.box.Raise(IntentPublishBoundary)
	a.box.Raise(IntentPublishAsync)

	if a.isLeader() && a.shouldTerminate() {
		a.publishTerminate(ctx)
	}
}

// runScheduledStep 执行被调度的迭代并走完整的后步流程。
// 即使迭代失败，状态、锚点与下一条 UPDATE 仍然照常发布，
// 让一台出错的机器人不会冻结全队。
func (a *Agent) runScheduledStep(ctx context.Context) {
	success := a.runStep(ctx, true)
	a.box.Raise(IntentPublishBoundary)

	if a.isLeader() {
		a.publishAnchor(ctx)
	}
	a.publishStatus(ctx)
	a.publishIterateViz()
	a.logIteration()

	if !success {
		a.logger.Warn("iteration not successful", zap.Uint64("iteration", a.iteration))
	}

	// 加速模式下周期性把屏障账本重新对齐到当前迭代
	if a.params.Acceleration && a.params.RestartInterval > 0 &&
		a.iteration%uint64(a.params.RestartInterval) == 0 {
		for _, nb := range a.solver.Neighbors() {
			if a.team.inRange(nb) {
				a.team.iterRequired[nb] = a.iteration
			}
		}
		a.logger.Debug("resynced barrier ledger", zap.Uint64("iteration", a.iteration))
	}

	if a.isLeader() {
		switch {
		case a.shouldTerminate():
			a.publishTerminate(ctx)
		case a.shouldUpdateWeights():
			a.publishUpdateWeight(ctx)
		default:
			a.publishNextUpdate(ctx)
		}
	} else {
		a.publishNextUpdate(ctx)
	}
}

// runCatchUpStep 在他人执行迭代时推进本机账本。
func (a *Agent) runCatchUpStep(ctx context.Context) {
	a.runStep(ctx, false)
	a.box.Raise(IntentPublishBoundary)
	a.publishStatus(ctx)
}

// runStep 执行一次求解器迭代并维护步进账本。迭代号无条件前进。
func (a *Agent) runStep(ctx context.Context, optimize bool) bool {
	start := a.now()
	a.iteration++
	res, err := a.solver.Step(ctx, optimize)
	elapsed := a.now().Sub(start)
	a.lastStepSeconds = elapsed.Seconds()

	success := err == nil && res.Success
	a.metrics.RecordStep(uint32(a.params.RobotID), success, elapsed)
	a.metrics.SetIteration(uint32(a.params.RobotID), a.iteration)

	if !success {
		a.logger.Warn("solver step failed",
			zap.Uint64("iteration", a.iteration), zap.Bool("optimize", optimize), zap.Error(err))
		return false
	}
	if optimize {
		a.lastStepAt = a.now()
		a.relChange = res.RelativeChange
		a.readyToTerm = res.RelativeChange < a.params.RelChangeTol
		a.metrics.SetRelativeChange(uint32(a.params.RobotID), res.RelativeChange)
		a.logger.Info("iteration complete",
			zap.Uint64("iteration", a.iteration),
			zap.Float64("rel_change", res.RelativeChange),
			zap.Float64("func_decrease", res.FuncDecrease),
			zap.Float64("grad_init", res.GradNormInit),
			zap.Float64("grad_opt", res.GradNormOpt))
	}
	return true
}

// drainPublishIntents 发出控制循环中积累的发布意图。
func (a *Agent) drainPublishIntents(ctx context.Context) {
	if a.box.Take(IntentPublishAsync) > 0 {
		if a.isLeader() {
			a.publishAnchor(ctx)
		}
		a.publishStatus(ctx)
		a.publishIterateViz()
		a.logIteration()
	}
	if a.box.Take(IntentPublishBoundary) > 0 {
		a.publishBoundary(ctx, false)
		if a.params.Acceleration {
			a.publishBoundary(ctx, true)
		}
	}
	if a.box.Take(IntentPublishWeights) > 0 {
		a.publishWeights(ctx)
	}
	if a.box.Take(IntentPublishActiveSet) > 0 && a.isLeader() {
		a.publishActiveSet(ctx)
	}
	if a.havePending && !a.now().Before(a.pendingNotBefore) {
		exec := a.pendingExec
		a.havePending = false
		a.sendUpdate(ctx, exec)
	}
}

// Heartbeat 是低频维护通道：心跳、初始化推进、空闲领导者的开轮，
// 以及对尽力而为总线的周期性补发。
func (a *Agent) Heartbeat(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.publishNoop(ctx)
	a.publishLiftingMatrix(ctx)

	if a.isLeader() && a.box.Has(IntentPublishInit) {
		a.publishInitialize(ctx)
	}
	if a.box.Has(IntentTryInitialize) {
		a.tryInitialize(ctx)
	}

	if a.state == StateWaitForData {
		a.updateClusterLocked()
		if a.isLeader() && a.now().Sub(a.lastResetAt) > a.params.LeaderIdleKick {
			a.publishRequestPoseGraph(ctx)
		}
	}
	if a.state == StateInitialized {
		a.publishBoundary(ctx, false)
		if a.params.Acceleration {
			a.publishBoundary(ctx, true)
		}
		a.publishWeights(ctx)
		if a.isLeader() {
			a.publishAnchor(ctx)
			a.publishActiveSet(ctx)
		}
	}
	a.publishStatus(ctx)
}

func (a *Agent) isLeader() bool {
	return a.clusterID == a.params.RobotID
}

// updateClusterLocked 重新推导本机归属的集群（最小的可达编号）。
func (a *Agent) updateClusterLocked() {
	elected := a.team.electCluster()
	if elected == a.clusterID {
		return
	}
	a.logger.Info("joining cluster",
		zap.Uint32("cluster", uint32(elected)), zap.Uint32("previous", uint32(a.clusterID)))
	a.clusterID = elected
}

// setState 推进生命周期状态并记录转换。
func (a *Agent) setState(to State) {
	if a.state == to {
		return
	}
	from := a.state
	if !CanTransition(from, to) {
		a.logger.Warn("forcing state transition", zap.Error(ErrInvalidTransition{From: from, To: to}))
	}
	a.state = to
	a.metrics.RecordStateTransition(uint32(a.params.RobotID), string(from), string(to))
	a.logger.Info("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
}

// promoteIfInitialized 观察求解器完成全局对齐后推进状态机。
func (a *Agent) promoteIfInitialized(ctx context.Context) {
	if a.state != StateWaitForInit {
		return
	}
	if !a.solver.Status().Initialized {
		return
	}
	a.setState(StateInitialized)
	a.publishStatus(ctx)
}

// refreshNeighbors 重建回调线程使用的邻居缓存。
func (a *Agent) refreshNeighbors() {
	set := make(map[wire.RobotID]bool)
	for _, nb := range a.solver.Neighbors() {
		set[nb] = true
	}
	a.neighborSet = set
}

// setRobotActiveLocked 同步更新活跃表、求解器视图和指标。
func (a *Agent) setRobotActiveLocked(id wire.RobotID, active bool) {
	if !a.team.setActive(id, active) {
		return
	}
	a.solver.SetRobotActive(id, active)
	a.metrics.SetActiveRobots(uint32(a.params.RobotID), a.team.numActive())
}

// applyActiveSetLocked 用命令携带的活跃集合整体替换本地视图。
func (a *Agent) applyActiveSetLocked(ids []wire.RobotID) {
	a.team.applyActiveSet(ids)
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		a.solver.SetRobotActive(rid, a.team.isActive(rid))
	}
	a.metrics.SetActiveRobots(uint32(a.params.RobotID), a.team.numActive())
}

// robotInitialized 判断某机器人是否已在全局坐标系中完成初始化。
// 对自身直接读状态机；对他人读同集群的最新状态快照。
func (a *Agent) robotInitialized(id wire.RobotID) bool {
	if id == a.params.RobotID {
		return a.state == StateInitialized
	}
	st, ok := a.sameClusterStatus(id)
	return ok && st.State == string(StateInitialized)
}

// sameClusterStatus 返回某机器人的最新状态，仅当它与本机同集群。
func (a *Agent) sameClusterStatus(id wire.RobotID) (wire.Status, bool) {
	st, ok := a.team.statusOf(id)
	if !ok || st.Cluster != a.clusterID {
		return wire.Status{}, false
	}
	return st, true
}

// shouldTerminate 判断领导者是否应当结束本轮：迭代预算耗尽，
// 或所有活跃机器人都报告可以终止。
func (a *Agent) shouldTerminate() bool {
	if a.iteration >= a.params.EffectiveMaxIterations() {
		a.logger.Info("iteration budget exhausted", zap.Uint64("iteration", a.iteration))
		return true
	}
	for r := 0; r < a.params.TeamSize; r++ {
		rid := wire.RobotID(r)
		if !a.team.isActive(rid) {
			continue
		}
		if rid == a.params.RobotID {
			if !a.readyToTerm {
				return false
			}
			continue
		}
		st, ok := a.sameClusterStatus(rid)
		if !ok || !st.ReadyToTerminate {
			return false
		}
	}
	return true
}

// shouldUpdateWeights 判断鲁棒轮次是否到了下一次权重更新。
func (a *Agent) shouldUpdateWeights() bool {
	if !a.params.RobustEnabled {
		return false
	}
	if a.weightUpdates >= a.params.RobustMaxWeightUpdates {
		return false
	}
	return a.iteration-a.lastWeightIter >= uint64(a.params.RobustInnerIters)
}

// tryInitialize 在收齐低编号活跃机器人的共享闭环后执行本地初始化；
// 领导者进一步确定全局坐标系。
func (a *Agent) tryInitialize(ctx context.Context) {
	if a.state != StateWaitForInit {
		a.box.Clear(IntentTryInitialize)
		return
	}
	for r := 0; r < int(a.params.RobotID); r++ {
		rid := wire.RobotID(r)
		if !a.team.isActive(rid) {
			continue
		}
		if !a.team.hasMeasurementsFrom(rid) {
			a.logger.Info("waiting for shared loop closures", zap.Uint32("from", uint32(rid)))
			return
		}
	}

	if err := a.solver.Initialize(ctx); err != nil {
		a.logger.Error("local initialization failed", zap.Error(err))
		return
	}
	st := a.solver.Status()
	a.logger.Info("local initialization complete", zap.Int("num_poses", st.NumPoses))

	if a.isLeader() {
		if a.params.RobotID == 0 {
			// 全局坐标系由 0 号机器人的第一帧定义
			if err := a.solver.InitializeInGlobalFrame(wire.Matrix{}); err != nil {
				a.logger.Error("global frame initialization failed", zap.Error(err))
				return
			}
		} else if a.cachedTrajectory != nil && len(a.cachedTrajectory.Poses) > 0 {
			// 低编号机器人缺席时，用上一轮的结果延续全局坐标系
			first := a.cachedTrajectory.Poses[0].Clone()
			if err := a.solver.InitializeInGlobalFrame(first); err != nil {
				a.logger.Error("global frame initialization failed", zap.Error(err))
				return
			}
			anchor := wire.NewMatrix(first.Rows, first.Cols)
			a.globalAnchor = &anchor
			a.solver.SetGlobalAnchor(anchor)
			a.logger.Info("reusing previous trajectory for the global frame")
		}
		// 领导者编号非 0 且没有历史轨迹时只能等待重试预算耗尽
	}

	a.box.Clear(IntentTryInitialize)
	a.refreshNeighbors()
	a.promoteIfInitialized(ctx)
}

// resetRound 结束当前轮次：落轮次摘要、清空协调状态、回到 WaitForData。
// outcome 为空表示无需记录的本地复位。连通性与集群归属信念保留。
func (a *Agent) resetRound(ctx context.Context, outcome string, ws *solver.WeightStats) {
	if outcome != "" && a.state != StateWaitForData {
		a.saveRound(ctx, outcome, ws)
		a.metrics.RecordRound(uint32(a.params.RobotID), outcome)
	}

	if a.params.CompleteReset {
		a.logger.Warn("complete reset: discarding pose graph")
		a.solver.DiscardGraph()
		a.havePartition = false
		a.neighborSet = make(map[wire.RobotID]bool)
		a.cachedTrajectory = nil
	} else {
		a.solver.Reset()
	}

	a.box.Reset()
	a.team.reset()
	a.pendingStates = make(map[stateKey]wire.BoundaryState)
	a.pendingMeas = nil
	a.pendingWeights = nil
	a.pendingLifting = nil
	a.pendingAnchor = nil

	a.initStepsDone = 0
	a.bytesIn = 0
	a.relChange = 0
	a.readyToTerm = false
	a.lastStepSeconds = 0
	a.weightUpdates = 0
	a.lastWeightIter = 0
	a.havePending = false
	a.globalAnchor = nil
	a.roundStartAt = time.Time{}
	a.lastStepAt = time.Time{}

	if a.iterLog != nil {
		_ = a.iterLog.Close()
		a.iterLog = nil
	}

	a.instance++
	a.iteration = 0
	a.setState(StateWaitForData)
	a.lastResetAt = a.now()
	a.metrics.SetIteration(uint32(a.params.RobotID), 0)
	a.metrics.SetRelativeChange(uint32(a.params.RobotID), 0)
	a.logger.Info("round reset", zap.Uint64("next_instance", a.instance), zap.String("outcome", outcome))
}

// saveRound 把轮次摘要写入历史存储。
func (a *Agent) saveRound(ctx context.Context, outcome string, ws *solver.WeightStats) {
	if a.rounds == nil {
		return
	}
	st := a.solver.Status()
	rec := &persistence.RoundRecord{
		RunID:          a.runID,
		RobotID:        uint32(a.params.RobotID),
		Instance:       a.instance,
		Outcome:        outcome,
		Iterations:     a.iteration,
		NumPoses:       st.NumPoses,
		ActiveRobots:   a.team.numActive(),
		RelativeChange: a.relChange,
		TotalBytes:     a.bytesIn,
		StartedAt:      a.roundStartAt,
		EndedAt:        a.now(),
	}
	if ws != nil {
		rec.AcceptedWeights = ws.Accepted
		rec.RejectedWeights = ws.Rejected
		rec.UndecidedWeights = ws.Undecided
	}
	if err := a.rounds.SaveRound(ctx, rec); err != nil {
		a.logger.Warn("failed to save round record", zap.Error(err))
	}
}

// logIteration 把当前迭代写入本轮 CSV。
func (a *Agent) logIteration() {
	if a.iterLog == nil {
		return
	}
	total := 0.0
	if !a.roundStartAt.IsZero() {
		total = a.now().Sub(a.roundStartAt).Seconds()
	}
	st := a.solver.Status()
	row := persistence.IterationRow{
		RobotID:         uint32(a.params.RobotID),
		ClusterID:       uint32(a.clusterID),
		NumActiveRobots: a.team.numActive(),
		Iteration:       a.iteration,
		NumPoses:        st.NumPoses,
		BytesReceived:   a.bytesIn,
		IterTimeSec:     a.lastStepSeconds,
		TotalTimeSec:    total,
		RelativeChange:  a.relChange,
	}
	if err := a.iterLog.LogIteration(row); err != nil {
		a.logger.Warn("failed to log iteration", zap.Error(err))
	}
}

// logEvent 在本轮 CSV 中写入事件标记。
func (a *Agent) logEvent(event string) {
	if a.iterLog == nil {
		return
	}
	if err := a.iterLog.LogEvent(event); err != nil {
		a.logger.Warn("failed to log event", zap.String("event", event), zap.Error(err))
	}
}

// publishIterateViz 把当前全局轨迹推给可视化层。
func (a *Agent) publishIterateViz() {
	if a.viz == nil {
		return
	}
	tr, ok := a.solver.TrajectoryInGlobalFrame()
	if !ok {
		return
	}
	tr.Instance = a.instance
	tr.Iteration = a.iteration
	tr.Stamp = a.now()
	a.viz.PublishTrajectory(tr)
}
