package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
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
// 🤖 run 命令：单机器人节点
// =============================================================================

func runRobot(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	graphPath := fs.String("graph", "", "JSON file with the team's measurement edges")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if err := robotNode(cfg, *graphPath, logger); err != nil {
		logger.Error("node exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("node stopped")
}

// robotNode 组装并驱动一个机器人节点直到收到退出信号。
// 所有资源在函数返回前释放，调用方再决定退出码。
func robotNode(cfg *config.Config, graphPath string, logger *zap.Logger) error {
	logger.Info("starting DPGOFlow node",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Uint32("robot", cfg.Robot.ID),
		zap.Int("team_size", cfg.Robot.TeamSize),
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

	if cfg.Bus.RedisAddr == "" {
		return errors.New("run requires bus.redis_addr; use 'simulate' for the in-process bus")
	}
	transport, err := bus.NewRedis(ctx, bus.RedisConfig{
		Addr:     cfg.Bus.RedisAddr,
		Password: cfg.Bus.RedisPassword,
		DB:       cfg.Bus.RedisDB,
		PoolSize: cfg.Bus.PoolSize,
	}, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	source, err := buildSource(cfg, graphPath, logger)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("dpgoflow", logger)
	}

	var rounds persistence.RoundRecorder
	if cfg.Persistence.DBPath != "" {
		store, err := persistence.OpenRoundStore(cfg.Persistence.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open round store: %w", err)
		}
		defer store.Close()
		rounds = store
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

	slv := solver.NewSim(solver.SimConfig{
		RobotID:         wire.RobotID(cfg.Robot.ID),
		Dimension:       cfg.Solver.Dimension,
		Sweeps:          cfg.Solver.Sweeps,
		RobustThreshold: cfg.Solver.RobustThreshold,
	})
	agent, err := coordination.New(coordination.ParamsFromConfig(cfg), coordination.Deps{
		Bus:     transport,
		Solver:  slv,
		Source:  source,
		Logger:  logger,
		Metrics: collector,
		Rounds:  rounds,
		Viz:     support.sink(),
		LogDir:  cfg.Persistence.LogDir,
		Seed:    cfg.Solver.Seed,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error { return support.watch(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSource 决定位姿图来源：显式的 JSON 边文件，否则按配置的
// 随机种子生成确定性的合成问题（全队使用同一种子即可得到同一问题）。
func buildSource(cfg *config.Config, graphPath string, logger *zap.Logger) (graph.Source, error) {
	if graphPath != "" {
		data, err := os.ReadFile(graphPath)
		if err != nil {
			return nil, fmt.Errorf("read graph file: %w", err)
		}
		var edges []wire.Edge
		if err := wire.Unmarshal(data, &edges); err != nil {
			return nil, fmt.Errorf("parse graph file: %w", err)
		}
		if len(edges) == 0 {
			return nil, fmt.Errorf("graph file %s holds no edges", graphPath)
		}
		logger.Info("loaded pose graph file",
			zap.String("path", graphPath),
			zap.Int("edges", len(edges)),
		)
		problem := &graph.Problem{Edges: edges}
		return problem.Source(), nil
	}

	problem := graph.Generate(graph.GeneratorConfig{
		NumRobots: cfg.Robot.TeamSize,
		Dimension: cfg.Solver.Dimension,
		Seed:      cfg.Solver.Seed,
	})
	logger.Info("using synthetic pose graph",
		zap.Int("robots", cfg.Robot.TeamSize),
		zap.Int64("seed", cfg.Solver.Seed),
	)
	return problem.Source(), nil
}
