package risk

// Status 为某个用户当前的风险预算状态。PnL 与回撤均为净值比例，0.01 表示 1%。
type Status struct {
	Owner             string   `json:"owner"`
	TradingDate       string   `json:"trading_date"`
	WeekStart         string   `json:"week_start"`
	DailyPnL          float64  `json:"daily_pnl"`
	WeeklyPnL         float64  `json:"weekly_pnl"`
	DailyDrawdown     float64  `json:"daily_drawdown"`
	WeeklyDrawdown    float64  `json:"weekly_drawdown"`
	ConsecutiveLosses int      `json:"consecutive_losses"`
	CanTrade          bool     `json:"can_trade"`
	Reasons           []string `json:"reasons,omitempty"`
}

// PnLRecord 为一次交易损益记录。
type PnLRecord struct {
	Owner       string  `json:"owner" db:"owner_id"`
	TradingDate string  `json:"trading_date" db:"trading_date"`
	PnL         float64 `json:"pnl" db:"pnl"`
	RecordedAt  int64   `json:"recorded_at" db:"recorded_at"`
}
