// =============================================================================
// 📦 DPGOFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("DPGOFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是单个机器人节点的完整配置结构
type Config struct {
	// Robot 机器人身份配置
	Robot RobotConfig `yaml:"robot" env:"ROBOT"`

	// Bus 消息总线配置
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Coordination 分布式协调配置
	Coordination CoordinationConfig `yaml:"coordination" env:"COORDINATION"`

	// Robust 鲁棒优化（GNC）配置
	Robust RobustConfig `yaml:"robust" env:"ROBUST"`

	// Solver 本地求解器配置
	Solver SolverConfig `yaml:"solver" env:"SOLVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Viz 可视化配置
	Viz VizConfig `yaml:"viz" env:"VIZ"`

	// Persistence 持久化配置
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`
}

// RobotConfig 机器人身份配置
type RobotConfig struct {
	// 机器人编号（团队内从 0 开始）
	ID uint32 `yaml:"id" env:"ID"`
	// 团队规模
	TeamSize int `yaml:"team_size" env:"TEAM_SIZE"`
	// 日志与话题中的名字前缀
	NamePrefix string `yaml:"name_prefix" env:"NAME_PREFIX"`
}

// BusConfig 消息总线配置
type BusConfig struct {
	// Redis 地址（留空则 run 命令拒绝启动，simulate 使用进程内总线）
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// Redis 密码
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// Redis 数据库编号
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 话题命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// CoordinationConfig 分布式协调配置
type CoordinationConfig struct {
	// 异步模式：各机器人按固定频率独立迭代，不做屏障同步
	Asynchronous bool `yaml:"asynchronous" env:"ASYNCHRONOUS"`
	// 异步模式下的迭代频率（Hz）
	AsyncRate float64 `yaml:"async_rate" env:"ASYNC_RATE"`
	// 加速模式：屏障要求邻居达到本机迭代号+1
	Acceleration bool `yaml:"acceleration" env:"ACCELERATION"`
	// 加速模式下的周期性重同步间隔（迭代数，0 关闭）
	RestartInterval int `yaml:"restart_interval" env:"RESTART_INTERVAL"`
	// 下一个执行者的选择规则: uniform, round_robin
	UpdateRule string `yaml:"update_rule" env:"UPDATE_RULE"`
	// 屏障允许的邻居迭代滞后量
	MaxDelayedIterations int `yaml:"max_delayed_iterations" env:"MAX_DELAYED_ITERATIONS"`
	// 终止判据：相对变化量阈值
	RelChangeTol float64 `yaml:"rel_change_tol" env:"REL_CHANGE_TOL"`
	// 单轮最大迭代数（0 表示按鲁棒轮次推导）
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 命令静默超时阈值
	TimeoutThreshold time.Duration `yaml:"timeout_threshold" env:"TIMEOUT_THRESHOLD"`
	// 超时后是否尝试 RECOVER（否则 HARD_TERMINATE）
	EnableRecovery bool `yaml:"enable_recovery" env:"ENABLE_RECOVERY"`
	// 轮次结束时是否连位姿图一起丢弃
	CompleteReset bool `yaml:"complete_reset" env:"COMPLETE_RESET"`
	// 初始化前是否等待交换共享闭环
	SynchronizeMeasurements bool `yaml:"synchronize_measurements" env:"SYNCHRONIZE_MEASUREMENTS"`
	// 分布式初始化的最大重试次数
	MaxInitRetries int `yaml:"max_init_retries" env:"MAX_INIT_RETRIES"`
	// 相邻 UPDATE 发布之间的最小间隔（节流）
	InterUpdateDelay time.Duration `yaml:"inter_update_delay" env:"INTER_UPDATE_DELAY"`
	// 控制循环步进间隔
	SpinInterval time.Duration `yaml:"spin_interval" env:"SPIN_INTERVAL"`
	// 周期性心跳/维护间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// 领导者空闲多久后重新请求位姿图
	LeaderIdleKick time.Duration `yaml:"leader_idle_kick" env:"LEADER_IDLE_KICK"`
	// 启动时预热 NOOP 的条数
	WarmupCount int `yaml:"warmup_count" env:"WARMUP_COUNT"`
	// 预热 NOOP 之间的间隔
	WarmupInterval time.Duration `yaml:"warmup_interval" env:"WARMUP_INTERVAL"`
}

// RobustConfig 鲁棒优化（GNC）配置
type RobustConfig struct {
	// 是否启用按权重更新轮次组织的鲁棒优化
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 两次权重更新之间的迭代数
	InnerIters int `yaml:"inner_iters" env:"INNER_ITERS"`
	// 最多执行多少次权重更新
	MaxWeightUpdates int `yaml:"max_weight_updates" env:"MAX_WEIGHT_UPDATES"`
	// 轮次结束时权重吸附到 0 的阈值
	WeightConvergenceTol float64 `yaml:"weight_convergence_tol" env:"WEIGHT_CONVERGENCE_TOL"`
	// 已收敛权重比例低于该值时告警
	MinConvergenceRatio float64 `yaml:"min_convergence_ratio" env:"MIN_CONVERGENCE_RATIO"`
}

// SolverConfig 本地求解器配置
type SolverConfig struct {
	// 求解器类型，目前为 sim
	Method string `yaml:"method" env:"METHOD"`
	// 平移状态维数
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// 每步 Gauss-Seidel 扫描次数
	Sweeps int `yaml:"sweeps" env:"SWEEPS"`
	// Geman-McClure 鲁棒核尺度
	RobustThreshold float64 `yaml:"robust_threshold" env:"ROBUST_THRESHOLD"`
	// 仿真问题生成器的随机种子
	Seed int64 `yaml:"seed" env:"SEED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否暴露 Prometheus 指标
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标 HTTP 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 是否使用明文连接
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// VizConfig 可视化配置
type VizConfig struct {
	// 是否启动 WebSocket 轨迹服务
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	// 迭代日志目录（留空关闭 CSV 日志）
	LogDir string `yaml:"log_dir" env:"LOG_DIR"`
	// 轮次数据库路径（留空关闭轮次存储）
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DPGOFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Robot.TeamSize <= 0 {
		errs = append(errs, "team_size must be positive")
	}
	if int(c.Robot.ID) >= c.Robot.TeamSize {
		errs = append(errs, "robot id must be smaller than team_size")
	}
	if c.Bus.Namespace == "" {
		errs = append(errs, "bus namespace must not be empty")
	}

	switch c.Coordination.UpdateRule {
	case "uniform", "round_robin":
	default:
		errs = append(errs, fmt.Sprintf("unknown update_rule %q", c.Coordination.UpdateRule))
	}
	if c.Coordination.Asynchronous && c.Coordination.AsyncRate <= 0 {
		errs = append(errs, "async_rate must be positive in asynchronous mode")
	}
	if c.Coordination.MaxDelayedIterations < 0 {
		errs = append(errs, "max_delayed_iterations must not be negative")
	}
	if c.Coordination.RelChangeTol <= 0 {
		errs = append(errs, "rel_change_tol must be positive")
	}
	if c.Coordination.TimeoutThreshold <= 0 {
		errs = append(errs, "timeout_threshold must be positive")
	}
	if c.Coordination.SpinInterval <= 0 {
		errs = append(errs, "spin_interval must be positive")
	}

	if c.Robust.Enabled {
		if c.Robust.InnerIters <= 0 {
			errs = append(errs, "robust inner_iters must be positive")
		}
		if c.Robust.MaxWeightUpdates <= 0 {
			errs = append(errs, "robust max_weight_updates must be positive")
		}
		if c.Robust.WeightConvergenceTol <= 0 || c.Robust.WeightConvergenceTol >= 1 {
			errs = append(errs, "weight_convergence_tol must be in (0, 1)")
		}
	}

	if c.Solver.Method != "sim" {
		errs = append(errs, fmt.Sprintf("unknown solver method %q", c.Solver.Method))
	}
	if c.Solver.Dimension <= 0 {
		errs = append(errs, "solver dimension must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
