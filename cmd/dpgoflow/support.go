package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/config"
	"github.com/BaSui01/dpgoflow/coordination"
	"github.com/BaSui01/dpgoflow/internal/server"
	"github.com/BaSui01/dpgoflow/viz"
)

// =============================================================================
// 📊 辅助服务：指标 / 健康检查 / 轨迹可视化
// =============================================================================

// supportServers 管理节点的 HTTP 辅助面：Prometheus 指标端点
// （带 /health 与 /version）以及 WebSocket 轨迹服务。两者都可按配置关闭。
type supportServers struct {
	logger   *zap.Logger
	viz      *viz.Server
	managers []*server.Manager
}

// startSupport 按配置启动辅助服务。返回的实例总是非 nil，
// 全部关闭时它只是一个空壳。
func startSupport(cfg *config.Config, logger *zap.Logger) (*supportServers, error) {
	s := &supportServers{logger: logger}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", handleHealth)
		mux.HandleFunc("/version", handleVersion)

		mgrCfg := server.DefaultConfig()
		mgrCfg.Addr = cfg.Metrics.Addr
		mgr := server.NewManager(mux, mgrCfg, logger)
		if err := mgr.Start(); err != nil {
			return nil, err
		}
		s.managers = append(s.managers, mgr)
		logger.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
	}

	if cfg.Viz.Enabled {
		s.viz = viz.NewServer(logger)

		mgrCfg := server.DefaultConfig()
		mgrCfg.Addr = cfg.Viz.Addr
		// WebSocket 连接长期存活，不能带写超时
		mgrCfg.WriteTimeout = 0
		mgr := server.NewManager(s.viz, mgrCfg, logger)
		if err := mgr.Start(); err != nil {
			s.shutdown(context.Background())
			return nil, err
		}
		s.managers = append(s.managers, mgr)
		logger.Info("viz server started", zap.String("addr", cfg.Viz.Addr))
	}

	return s, nil
}

// sink 返回应注入 Agent 的轨迹接收端。可视化关闭时必须返回
// 真正的 nil 接口，而不是包着 nil 指针的接口值。
func (s *supportServers) sink() coordination.TrajectorySink {
	if s.viz == nil {
		return nil
	}
	return s.viz
}

// watch 阻塞到 ctx 取消或任一辅助服务异常退出。
func (s *supportServers) watch(ctx context.Context) error {
	errc := make(chan error, len(s.managers))
	for _, m := range s.managers {
		m := m
		go func() {
			select {
			case <-ctx.Done():
			case err := <-m.Errors():
				errc <- err
			}
		}()
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// shutdown 优雅关闭全部辅助服务。
func (s *supportServers) shutdown(ctx context.Context) {
	if s.viz != nil {
		_ = s.viz.Close()
	}
	for _, m := range s.managers {
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("support server shutdown error",
				zap.String("addr", m.Addr()), zap.Error(err))
		}
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}
