package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"strategy-arena/internal/config"
	"strategy-arena/internal/events"
	"strategy-arena/internal/store"
)

// DefaultOwner 为未指定用户时使用的风险预算账户。
const DefaultOwner = "default"

// ErrInvalidPnL 表示损益取值非法。
var ErrInvalidPnL = errors.New("invalid pnl")

// Manager 管理日/周回撤与连续亏损的风险预算。
type Manager struct {
	cfg     config.RiskConfig
	tracker *Tracker
	sink    events.Sink
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager 创建风险预算管理器。sink 可为空。
func NewManager(cfg config.RiskConfig, st *store.Store, sink events.Sink, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.Nop{}
	}

	tracker, err := NewTracker(st.DB(), cfg.DailyResetHour, cfg.RetentionDays, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// RecordPnL 记录一笔交易损益并返回最新预算状态。ts 为零值时使用当前时间。
func (m *Manager) RecordPnL(ctx context.Context, owner string, pnl float64, ts time.Time) (Status, error) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) || pnl <= -1 {
		return Status{}, fmt.Errorf("risk: 损益 %v 超出范围: %w", pnl, ErrInvalidPnL)
	}
	owner = normalizeOwner(owner)
	if ts.IsZero() {
		ts = m.now()
	}

	if _, err := m.tracker.Record(ctx, owner, pnl, ts); err != nil {
		return Status{}, err
	}

	status, err := m.Status(ctx, owner, ts)
	if err != nil {
		return Status{}, err
	}

	if !status.CanTrade {
		m.logger.Warn("风险预算触发限制",
			zap.String("owner", owner),
			zap.Strings("reasons", status.Reasons),
		)
	}

	event, err := events.New(events.TypeRiskUpdate, owner, owner, status)
	if err == nil {
		err = m.sink.Publish(ctx, event)
	}
	if err != nil {
		m.logger.Warn("发布风险事件失败", zap.String("owner", owner), zap.Error(err))
	}

	return status, nil
}

// Status 计算 at 所在交易日与交易周的预算状态。
func (m *Manager) Status(ctx context.Context, owner string, at time.Time) (Status, error) {
	owner = normalizeOwner(owner)
	if at.IsZero() {
		at = m.now()
	}

	day := tradingDay(at, m.cfg.DailyResetHour)
	week := weekStart(day)

	daily, err := m.tracker.SumPnL(ctx, owner, day, day)
	if err != nil {
		return Status{}, err
	}
	weekly, err := m.tracker.SumPnL(ctx, owner, week, day)
	if err != nil {
		return Status{}, err
	}
	losses, err := m.tracker.ConsecutiveLosses(ctx, owner)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Owner:             owner,
		TradingDate:       day,
		WeekStart:         week,
		DailyPnL:          daily,
		WeeklyPnL:         weekly,
		DailyDrawdown:     math.Max(0, -daily),
		WeeklyDrawdown:    math.Max(0, -weekly),
		ConsecutiveLosses: losses,
	}

	if status.DailyDrawdown > m.cfg.DailyMaxDrawdown {
		status.Reasons = append(status.Reasons, fmt.Sprintf("当日回撤 %.2f%% 超过上限 %.2f%%",
			status.DailyDrawdown*100, m.cfg.DailyMaxDrawdown*100))
	}
	if status.WeeklyDrawdown > m.cfg.WeeklyMaxDrawdown {
		status.Reasons = append(status.Reasons, fmt.Sprintf("本周回撤 %.2f%% 超过上限 %.2f%%",
			status.WeeklyDrawdown*100, m.cfg.WeeklyMaxDrawdown*100))
	}
	if m.cfg.MaxConsecutiveLosses > 0 && losses >= m.cfg.MaxConsecutiveLosses {
		status.Reasons = append(status.Reasons, fmt.Sprintf("连续亏损 %d 次，达到上限 %d", losses, m.cfg.MaxConsecutiveLosses))
	}
	status.CanTrade = len(status.Reasons) == 0

	return status, nil
}

// History 返回用户最近的损益记录。
func (m *Manager) History(ctx context.Context, owner string, limit int) ([]PnLRecord, error) {
	return m.tracker.History(ctx, normalizeOwner(owner), limit)
}

func normalizeOwner(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return DefaultOwner
	}
	return owner
}
