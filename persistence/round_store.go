package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/dpgoflow/types"
)

// RoundRecord 是一轮分布式优化结束后落库的摘要。
type RoundRecord struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	RunID    string `gorm:"size:64;index:idx_run" json:"run_id"`               // 进程启动时生成的运行 ID
	RobotID  uint32 `gorm:"not null;index:idx_robot_instance" json:"robot_id"` // 机器人编号
	Instance uint64 `gorm:"not null;index:idx_robot_instance" json:"instance"` // 轮次编号

	// 结束方式: terminate, hard_terminate, timeout_reset
	Outcome string `gorm:"size:32;not null" json:"outcome"`

	Iterations     uint64  `gorm:"default:0" json:"iterations"`      // 执行的全局迭代数
	NumPoses       int     `gorm:"default:0" json:"num_poses"`       // 本机位姿数
	ActiveRobots   int     `gorm:"default:0" json:"active_robots"`   // 结束时的活跃机器人数
	RelativeChange float64 `gorm:"default:0" json:"relative_change"` // 最后一步的相对变化量
	TotalBytes     uint64  `gorm:"default:0" json:"total_bytes"`     // 本轮接收的总字节数

	// 鲁棒权重统计
	AcceptedWeights  int `gorm:"default:0" json:"accepted_weights"`
	RejectedWeights  int `gorm:"default:0" json:"rejected_weights"`
	UndecidedWeights int `gorm:"default:0" json:"undecided_weights"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RoundRecorder 抽象轮次摘要的写入端，便于测试替换。
type RoundRecorder interface {
	SaveRound(ctx context.Context, rec *RoundRecord) error
}

// RoundStore 基于 GORM/SQLite 的轮次存储。
type RoundStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ RoundRecorder = (*RoundStore)(nil)

// OpenRoundStore 打开（必要时创建）轮次数据库。
// 同一个存储可能被进程内多台机器人共用（simulate），连接数压到 1
// 并配置 SQLite 忙等超时，串行化并发写入。
func OpenRoundStore(path string, logger *zap.Logger) (*RoundStore, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(time.Minute)
	}
	return NewRoundStore(db, logger)
}

// NewRoundStore 在已有连接上初始化轮次存储。
func NewRoundStore(db *gorm.DB, logger *zap.Logger) (*RoundStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&RoundRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &RoundStore{
		db:     db,
		logger: logger.With(zap.String("component", "round_store")),
	}, nil
}

// SaveRound 保存一条轮次摘要。
func (s *RoundStore) SaveRound(ctx context.Context, rec *RoundRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to save round record").WithCause(err)
	}
	s.logger.Debug("round record saved",
		zap.Uint32("robot_id", rec.RobotID),
		zap.Uint64("instance", rec.Instance),
		zap.String("outcome", rec.Outcome),
	)
	return nil
}

// ListRounds 按时间倒序返回某机器人的轮次摘要。limit<=0 表示不限制。
func (s *RoundStore) ListRounds(ctx context.Context, robot uint32, limit int) ([]RoundRecord, error) {
	var out []RoundRecord
	q := s.db.WithContext(ctx).
		Where("robot_id = ?", robot).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to list round records").WithCause(err)
	}
	return out, nil
}

// LatestRound 返回某机器人最近一轮的摘要，没有记录时返回 nil。
func (s *RoundStore) LatestRound(ctx context.Context, robot uint32) (*RoundRecord, error) {
	var rec RoundRecord
	err := s.db.WithContext(ctx).
		Where("robot_id = ?", robot).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to load latest round").WithCause(err)
	}
	return &rec, nil
}

// Close 关闭底层数据库连接。
func (s *RoundStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
