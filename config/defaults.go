// =============================================================================
// 📦 DPGOFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Robot:        DefaultRobotConfig(),
		Bus:          DefaultBusConfig(),
		Coordination: DefaultCoordinationConfig(),
		Robust:       DefaultRobustConfig(),
		Solver:       DefaultSolverConfig(),
		Log:          DefaultLogConfig(),
		Metrics:      DefaultMetricsConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Viz:          DefaultVizConfig(),
		Persistence:  DefaultPersistenceConfig(),
	}
}

// DefaultRobotConfig 返回默认机器人身份配置
func DefaultRobotConfig() RobotConfig {
	return RobotConfig{
		ID:         0,
		TeamSize:   1,
		NamePrefix: "robot",
	}
}

// DefaultBusConfig 返回默认总线配置
func DefaultBusConfig() BusConfig {
	return BusConfig{
		RedisAddr:     "localhost:6379",
		RedisPassword: "",
		RedisDB:       0,
		PoolSize:      10,
		Namespace:     "dpgo",
	}
}

// DefaultCoordinationConfig 返回默认协调配置
func DefaultCoordinationConfig() CoordinationConfig {
	return CoordinationConfig{
		Asynchronous:            false,
		AsyncRate:               10,
		Acceleration:            false,
		RestartInterval:         30,
		UpdateRule:              "uniform",
		MaxDelayedIterations:    0,
		RelChangeTol:            0.2,
		MaxIterations:           0, // 0 表示按鲁棒轮次推导
		TimeoutThreshold:        15 * time.Second,
		EnableRecovery:          true,
		CompleteReset:           false,
		SynchronizeMeasurements: true,
		MaxInitRetries:          5,
		InterUpdateDelay:        0,
		SpinInterval:            10 * time.Millisecond,
		HeartbeatInterval:       3 * time.Second,
		LeaderIdleKick:          10 * time.Second,
		WarmupCount:             3,
		WarmupInterval:          500 * time.Millisecond,
	}
}

// DefaultRobustConfig 返回默认鲁棒优化配置
func DefaultRobustConfig() RobustConfig {
	return RobustConfig{
		Enabled:              false,
		InnerIters:           10,
		MaxWeightUpdates:     10,
		WeightConvergenceTol: 0.05,
		MinConvergenceRatio:  0.8,
	}
}

// DefaultSolverConfig 返回默认求解器配置
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Method:          "sim",
		Dimension:       3,
		Sweeps:          2,
		RobustThreshold: 1.0,
		Seed:            0,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9091",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "dpgoflow",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

// DefaultVizConfig 返回默认可视化配置
func DefaultVizConfig() VizConfig {
	return VizConfig{
		Enabled: false,
		Addr:    ":8787",
	}
}

// DefaultPersistenceConfig 返回默认持久化配置
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		LogDir: "",
		DBPath: "",
	}
}
