// Package persistence 负责落盘：每轮的迭代 CSV 日志与轮次结果数据库。
package persistence

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dpgoflow/types"
)

// IterationRow 是迭代日志中的一行。
type IterationRow struct {
	RobotID         uint32
	ClusterID       uint32
	NumActiveRobots int
	Iteration       uint64
	NumPoses        int
	BytesReceived   uint64
	IterTimeSec     float64
	TotalTimeSec    float64
	RelativeChange  float64
}

// IterationLog 把每轮优化的逐迭代记录写入一个 CSV 文件。
// 事件标记（TERMINATE、HARD_TERMINATE、UPDATE_WEIGHT、TIMEOUT）
// 作为单列行写入同一个文件。
type IterationLog struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	path   string
	logger *zap.Logger
}

var iterationHeader = []string{
	"robot_id", "cluster_id", "num_active_robots", "iteration", "num_poses",
	"bytes_received", "iter_time_sec", "total_time_sec", "rel_change",
}

// CreateIterationLog 新建（或截断）一个迭代日志文件并写入表头。
func CreateIterationLog(path string, logger *zap.Logger) (*IterationLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to create log directory").WithCause(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to create iteration log").WithCause(err)
	}
	l := &IterationLog{
		f:      f,
		w:      csv.NewWriter(f),
		path:   path,
		logger: logger.With(zap.String("component", "iteration_log")),
	}
	if err := l.w.Write(iterationHeader); err != nil {
		f.Close()
		return nil, types.NewError(types.ErrStoreFailure, "failed to write log header").WithCause(err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		f.Close()
		return nil, types.NewError(types.ErrStoreFailure, "failed to flush log header").WithCause(err)
	}
	l.logger.Info("iteration log created", zap.String("path", path))
	return l, nil
}

// CreateRoundLog 在 dir 下为新一轮创建日志文件，
// 文件名携带自进程启动以来的秒数。
func CreateRoundLog(dir string, sinceLaunch time.Duration, logger *zap.Logger) (*IterationLog, error) {
	name := fmt.Sprintf("dpgo_log_%d.csv", int(sinceLaunch.Seconds()))
	return CreateIterationLog(filepath.Join(dir, name), logger)
}

// Path 返回日志文件路径。
func (l *IterationLog) Path() string {
	return l.path
}

// LogIteration 追加一行迭代记录并立即刷盘。
func (l *IterationLog) LogIteration(row IterationRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return types.NewError(types.ErrStoreFailure, "iteration log is closed")
	}
	rec := []string{
		strconv.FormatUint(uint64(row.RobotID), 10),
		strconv.FormatUint(uint64(row.ClusterID), 10),
		strconv.Itoa(row.NumActiveRobots),
		strconv.FormatUint(row.Iteration, 10),
		strconv.Itoa(row.NumPoses),
		strconv.FormatUint(row.BytesReceived, 10),
		strconv.FormatFloat(row.IterTimeSec, 'g', -1, 64),
		strconv.FormatFloat(row.TotalTimeSec, 'g', -1, 64),
		strconv.FormatFloat(row.RelativeChange, 'g', -1, 64),
	}
	if err := l.w.Write(rec); err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to write iteration row").WithCause(err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to flush iteration row").WithCause(err)
	}
	return nil
}

// LogEvent 把一个事件标记写成单列行。
func (l *IterationLog) LogEvent(event string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return types.NewError(types.ErrStoreFailure, "iteration log is closed")
	}
	if err := l.w.Write([]string{event}); err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to write event marker").WithCause(err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to flush event marker").WithCause(err)
	}
	return nil
}

// Close 刷盘并关闭文件。可以重复调用。
func (l *IterationLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	l.w.Flush()
	err := l.f.Close()
	l.f = nil
	return err
}
