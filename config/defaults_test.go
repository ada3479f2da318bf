package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, RobotConfig{}, cfg.Robot)
	assert.NotEqual(t, BusConfig{}, cfg.Bus)
	assert.NotEqual(t, CoordinationConfig{}, cfg.Coordination)
	assert.NotEqual(t, RobustConfig{}, cfg.Robust)
	assert.NotEqual(t, SolverConfig{}, cfg.Solver)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, VizConfig{}, cfg.Viz)
}

// --- Individual Default*Config functions ---

func TestDefaultRobotConfig(t *testing.T) {
	cfg := DefaultRobotConfig()
	assert.EqualValues(t, 0, cfg.ID)
	assert.Equal(t, 1, cfg.TeamSize)
	assert.Equal(t, "robot", cfg.NamePrefix)
}

func TestDefaultBusConfig(t *testing.T) {
	cfg := DefaultBusConfig()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Empty(t, cfg.RedisPassword)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "dpgo", cfg.Namespace)
}

func TestDefaultCoordinationConfig(t *testing.T) {
	cfg := DefaultCoordinationConfig()
	assert.False(t, cfg.Asynchronous)
	assert.InDelta(t, 10.0, cfg.AsyncRate, 0.001)
	assert.False(t, cfg.Acceleration)
	assert.Equal(t, "uniform", cfg.UpdateRule)
	assert.Equal(t, 0, cfg.MaxDelayedIterations)
	assert.InDelta(t, 0.2, cfg.RelChangeTol, 0.001)
	assert.Zero(t, cfg.MaxIterations)
	assert.Equal(t, 15*time.Second, cfg.TimeoutThreshold)
	assert.True(t, cfg.EnableRecovery)
	assert.False(t, cfg.CompleteReset)
	assert.True(t, cfg.SynchronizeMeasurements)
	assert.Equal(t, 5, cfg.MaxInitRetries)
	assert.Equal(t, time.Duration(0), cfg.InterUpdateDelay)
	assert.Equal(t, 10*time.Millisecond, cfg.SpinInterval)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.LeaderIdleKick)
	assert.Equal(t, 3, cfg.WarmupCount)
	assert.Equal(t, 500*time.Millisecond, cfg.WarmupInterval)
}

func TestDefaultRobustConfig(t *testing.T) {
	cfg := DefaultRobustConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 10, cfg.InnerIters)
	assert.Equal(t, 10, cfg.MaxWeightUpdates)
	assert.InDelta(t, 0.05, cfg.WeightConvergenceTol, 0.001)
	assert.InDelta(t, 0.8, cfg.MinConvergenceRatio, 0.001)
}

func TestDefaultSolverConfig(t *testing.T) {
	cfg := DefaultSolverConfig()
	assert.Equal(t, "sim", cfg.Method)
	assert.Equal(t, 3, cfg.Dimension)
	assert.Equal(t, 2, cfg.Sweeps)
	assert.InDelta(t, 1.0, cfg.RobustThreshold, 0.001)
	assert.EqualValues(t, 0, cfg.Seed)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, ":9091", cfg.Addr)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "dpgoflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
	assert.True(t, cfg.Insecure)
}

func TestDefaultVizConfig(t *testing.T) {
	cfg := DefaultVizConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, ":8787", cfg.Addr)
}

func TestDefaultPersistenceConfig(t *testing.T) {
	cfg := DefaultPersistenceConfig()
	assert.Empty(t, cfg.LogDir)
	assert.Empty(t, cfg.DBPath)
}
