package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/dpgoflow/bus"
	"github.com/BaSui01/dpgoflow/config"
	"github.com/BaSui01/dpgoflow/coordination"
	"github.com/BaSui01/dpgoflow/graph"
	"github.com/BaSui01/dpgoflow/internal/metrics"
	"github.com/BaSui01/dpgoflow/internal/telemetry"
	"github.com/BaSui01/dpgoflow/persistence"
	"github.com/BaSui01/dpgoflow/solver"
	"github.com/BaSui01/dpgoflow/wire"
)

// =============================================================================
// 🧪 simulate 命令：进程内仿真一支队伍
// =============================================================================

func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	robots := fs.Int("robots", 3, "Team size")
	poses := fs.Int("poses", 12, "Poses per robot trajectory")
	outliers := fs.Float64("outliers", 0, "Fraction of shared loops corrupted into outliers")
	noise := fs.Float64("noise", 0, "Std dev of measurement noise")
	roundsWanted := fs.Int("rounds", 1, "Stop after every robot finished this many rounds (0 = run until interrupted)")
	duration := fs.Duration("duration", 0, "Hard wall-clock limit (0 = none)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *robots < 2 {
		fmt.Fprintln(os.Stderr, "simulate needs at least 2 robots")
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if err := simulateFleet(cfg, simOptions{
		robots:   *robots,
		poses:    *poses,
		outliers: *outliers,
		noise:    *noise,
		rounds:   *roundsWanted,
		duration: *duration,
	}, logger); err != nil {
		logger.Error("simulation exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("simulation stopped")
}

type simOptions struct {
	robots   int
	poses    int
	outliers float64
	noise    float64
	rounds   int
	duration time.Duration
}

// simulateFleet 在一条进程内总线上驱动整支队伍，直到全队完成
// 目标轮次、超出时限或收到退出信号。
func simulateFleet(cfg *config.Config, opts simOptions, logger *zap.Logger) error {
	logger.Info("starting DPGOFlow simulation",
		zap.String("version", Version),
		zap.Int("robots", opts.robots),
		zap.Int("poses", opts.poses),
		zap.Float64("outliers", opts.outliers),
		zap.Float64("noise", opts.noise),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	problem := graph.Generate(graph.GeneratorConfig{
		NumRobots:     opts.robots,
		PosesPerRobot: opts.poses,
		Dimension:     cfg.Solver.Dimension,
		OutlierRatio:  opts.outliers,
		NoiseStdDev:   opts.noise,
		Seed:          cfg.Solver.Seed,
	})
	source := problem.Source()
	logger.Info("synthetic problem generated",
		zap.Int("edges", len(problem.Edges)),
		zap.Int64("seed", cfg.Solver.Seed),
	)

	hub := bus.NewInProc(logger)
	defer hub.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("dpgoflow", logger)
	}

	var store *persistence.RoundStore
	if cfg.Persistence.DBPath != "" {
		store, err = persistence.OpenRoundStore(cfg.Persistence.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open round store: %w", err)
		}
		defer store.Close()
	}
	var recorder persistence.RoundRecorder
	if store != nil {
		recorder = store
	}
	var waiter *roundWaiter
	if opts.rounds > 0 {
		waiter = newRoundWaiter(recorder, opts.robots, opts.rounds)
		recorder = waiter
	}

	support, err := startSupport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		support.shutdown(sctx)
	}()

	agents := make([]*coordination.Agent, 0, opts.robots)
	for i := 0; i < opts.robots; i++ {
		params := coordination.ParamsFromConfig(cfg)
		params.RobotID = wire.RobotID(i)
		params.TeamSize = opts.robots

		logDir := ""
		if cfg.Persistence.LogDir != "" {
			logDir = filepath.Join(cfg.Persistence.LogDir, fmt.Sprintf("robot%d", i))
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
		}

		agent, err := coordination.New(params, coordination.Deps{
			Bus: hub,
			Solver: solver.NewSim(solver.SimConfig{
				RobotID:         wire.RobotID(i),
				Dimension:       cfg.Solver.Dimension,
				Sweeps:          cfg.Solver.Sweeps,
				RobustThreshold: cfg.Solver.RobustThreshold,
			}),
			Source:  source,
			Logger:  logger,
			Metrics: collector,
			Rounds:  recorder,
			Viz:     support.sink(),
			LogDir:  logDir,
			Seed:    cfg.Solver.Seed,
		})
		if err != nil {
			return err
		}
		agents = append(agents, agent)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if waiter != nil {
		go func() {
			select {
			case <-runCtx.Done():
			case <-waiter.done:
				logger.Info("all robots completed the requested rounds",
					zap.Int("rounds", opts.rounds))
				cancelRun()
			}
		}()
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, agent := range agents {
		agent := agent
		g.Go(func() error { return agent.Run(gctx) })
	}
	g.Go(func() error { return support.watch(gctx) })

	err = g.Wait()
	if waiter != nil {
		for _, rec := range waiter.summary() {
			logger.Info("round summary",
				zap.Uint32("robot", rec.RobotID),
				zap.String("outcome", rec.Outcome),
				zap.Uint64("iterations", rec.Iterations),
				zap.Float64("relative_change", rec.RelativeChange),
				zap.Int("active_robots", rec.ActiveRobots),
			)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// =============================================================================
// ⏳ 轮次计数器
// =============================================================================

// roundWaiter 包装轮次存储：继续向内层落库，同时统计每台机器人
// 完成的轮次数，全队达标后关闭 done。
type roundWaiter struct {
	inner  persistence.RoundRecorder
	team   int
	target int

	mu     sync.Mutex
	counts map[uint32]int
	last   map[uint32]persistence.RoundRecord
	fired  bool
	done   chan struct{}
}

var _ persistence.RoundRecorder = (*roundWaiter)(nil)

func newRoundWaiter(inner persistence.RoundRecorder, team, target int) *roundWaiter {
	return &roundWaiter{
		inner:  inner,
		team:   team,
		target: target,
		counts: make(map[uint32]int),
		last:   make(map[uint32]persistence.RoundRecord),
		done:   make(chan struct{}),
	}
}

func (w *roundWaiter) SaveRound(ctx context.Context, rec *persistence.RoundRecord) error {
	var err error
	if w.inner != nil {
		err = w.inner.SaveRound(ctx, rec)
	}

	w.mu.Lock()
	w.counts[rec.RobotID]++
	w.last[rec.RobotID] = *rec
	if !w.fired && len(w.counts) >= w.team {
		ready := true
		for _, n := range w.counts {
			if n < w.target {
				ready = false
				break
			}
		}
		if ready {
			w.fired = true
			close(w.done)
		}
	}
	w.mu.Unlock()
	return err
}

// summary 返回每台机器人最近一轮的摘要，按编号升序。
func (w *roundWaiter) summary() []persistence.RoundRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]persistence.RoundRecord, 0, len(w.last))
	for _, rec := range w.last {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}
