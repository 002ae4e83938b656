package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Tracker 持久化逐笔损益与连续亏损计数。
type Tracker struct {
	db            *sqlx.DB
	resetHour     int
	retentionDays int
	logger        *zap.Logger
}

// NewTracker 创建损益追踪器并初始化表结构。
func NewTracker(db *sqlx.DB, resetHour, retentionDays int, logger *zap.Logger) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}

	tracker := &Tracker{
		db:            db,
		resetHour:     resetHour,
		retentionDays: retentionDays,
		logger:        logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *Tracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_trade_pnl (
			owner_id TEXT NOT NULL,
			trading_date TEXT NOT NULL,
			pnl DOUBLE PRECISION NOT NULL,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_trade_pnl_owner_date ON risk_trade_pnl(owner_id, trading_date)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			owner_id TEXT PRIMARY KEY,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Record 在一个事务内写入损益、清理过期记录并更新连续亏损计数，返回最新计数。
func (t *Tracker) Record(ctx context.Context, owner string, pnl float64, ts time.Time) (consecutive int, err error) {
	tradingDate := tradingDay(ts, t.resetHour)
	cutoff := tradingDay(ts.AddDate(0, 0, -t.retentionDays), t.resetHour)
	now := time.Now().UTC().UnixNano()

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM risk_trade_pnl WHERE owner_id = ? AND trading_date < ?`), owner, cutoff); err != nil {
		return 0, fmt.Errorf("risk: 清理过期损益失败: %w", err)
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO risk_trade_pnl (owner_id, trading_date, pnl, recorded_at) VALUES (?, ?, ?, ?)`),
		owner, tradingDate, pnl, now,
	); err != nil {
		return 0, fmt.Errorf("risk: 写入损益失败: %w", err)
	}

	switch scanErr := tx.GetContext(ctx, &consecutive, tx.Rebind(
		`SELECT consecutive_losses FROM risk_state WHERE owner_id = ?`), owner); {
	case scanErr == nil:
	case errors.Is(scanErr, sql.ErrNoRows):
		consecutive = 0
	default:
		err = fmt.Errorf("risk: 查询连续亏损失败: %w", scanErr)
		return 0, err
	}

	if pnl < 0 {
		consecutive++
	} else {
		consecutive = 0
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO risk_state (owner_id, consecutive_losses, updated_at) VALUES (?, ?, ?)
ON CONFLICT (owner_id) DO UPDATE SET
	consecutive_losses = excluded.consecutive_losses,
	updated_at = excluded.updated_at`),
		owner, consecutive, now,
	); err != nil {
		return 0, fmt.Errorf("risk: 更新连续亏损失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("risk: 提交事务失败: %w", err)
	}

	t.logger.Debug("记录交易损益",
		zap.String("owner", owner),
		zap.String("trading_date", tradingDate),
		zap.Float64("pnl", pnl),
		zap.Int("consecutive_losses", consecutive),
	)
	return consecutive, nil
}

// SumPnL 汇总 [from, to] 交易日内的损益。
func (t *Tracker) SumPnL(ctx context.Context, owner, from, to string) (float64, error) {
	var total float64
	if err := t.db.GetContext(ctx, &total, t.db.Rebind(
		`SELECT COALESCE(SUM(pnl), 0) FROM risk_trade_pnl WHERE owner_id = ? AND trading_date >= ? AND trading_date <= ?`),
		owner, from, to,
	); err != nil {
		return 0, fmt.Errorf("risk: 汇总损益失败: %w", err)
	}
	return total, nil
}

// ConsecutiveLosses 返回当前连续亏损次数。
func (t *Tracker) ConsecutiveLosses(ctx context.Context, owner string) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, t.db.Rebind(`SELECT consecutive_losses FROM risk_state WHERE owner_id = ?`), owner)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, fmt.Errorf("risk: 查询连续亏损失败: %w", err)
	}
}

// History 返回最近的损益记录，新记录在前。
func (t *Tracker) History(ctx context.Context, owner string, limit int) ([]PnLRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []PnLRecord
	if err := t.db.SelectContext(ctx, &records, t.db.Rebind(
		`SELECT owner_id, trading_date, pnl, recorded_at FROM risk_trade_pnl WHERE owner_id = ? ORDER BY recorded_at DESC LIMIT ?`),
		owner, limit,
	); err != nil {
		return nil, fmt.Errorf("risk: 查询损益记录失败: %w", err)
	}
	return records, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format(dateLayout)
}

// weekStart 返回交易日所在周的周一。
func weekStart(tradingDate string) string {
	day, err := time.Parse(dateLayout, tradingDate)
	if err != nil {
		return tradingDate
	}
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset).Format(dateLayout)
}
