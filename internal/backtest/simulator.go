package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-arena/internal/market"
	"strategy-arena/internal/strategy"
)

// Trade 为一次完整的开平仓记录。
type Trade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Size       int64     `json:"size"`
	Commission float64   `json:"commission"`
	PnL        float64   `json:"pnl"`
	Forced     bool      `json:"forced"`
}

// Ledger 为一次回测的完整账本，用于审计与复盘。
type Ledger struct {
	Result      Result    `json:"result"`
	Trades      []Trade   `json:"trades"`
	EquityCurve []float64 `json:"equity_curve"`
	MinCash     float64   `json:"min_cash"`
	SkippedBars int       `json:"skipped_bars"`
}

// position 为单次运行私有的持仓状态，同一时间最多一笔多头持仓。
type position struct {
	open       bool
	entryPrice decimal.Decimal
	entryCost  decimal.Decimal
	entryFee   decimal.Decimal
	size       int64
	entryTime  time.Time
}

// Simulator 在K线序列上运行单一策略参数，结果只依赖输入。
type Simulator struct {
	cfg    Config
	logger *zap.Logger
}

// NewSimulator 创建模拟器。
func NewSimulator(cfg Config, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{cfg: cfg.normalize(), logger: logger}
}

// Config 返回生效的配置。
func (s *Simulator) Config() Config {
	return s.cfg
}

// Simulate 使用默认配置运行一次回测，family 必须与参数集一致。
func Simulate(bars []market.Bar, family strategy.Family, params strategy.ParameterSet, startingEquity, commissionRate float64) (Result, error) {
	if params.Family != family {
		return Result{}, fmt.Errorf("backtest: 策略族 %s 与参数集 %s 不一致: %w", family, params.Family, ErrInvalidParameters)
	}
	return NewSimulator(DefaultConfig(), nil).Run(bars, params, startingEquity, commissionRate)
}

// Run 运行回测并返回绩效。
func (s *Simulator) Run(bars []market.Bar, params strategy.ParameterSet, startingEquity, commissionRate float64) (Result, error) {
	ledger, err := s.Replay(bars, params, startingEquity, commissionRate)
	if err != nil {
		return Result{}, err
	}
	return ledger.Result, nil
}

// Replay 运行回测并返回完整账本。
func (s *Simulator) Replay(bars []market.Bar, params strategy.ParameterSet, startingEquity, commissionRate float64) (Ledger, error) {
	if err := validateAccount(startingEquity, commissionRate); err != nil {
		return Ledger{}, err
	}
	ds, err := s.Prepare(bars)
	if err != nil {
		return Ledger{}, err
	}
	return s.replay(ds, params, startingEquity, commissionRate)
}

// RunDataset 在已准备好的数据集上回测，指标缓存在多次调用间共享。
func (s *Simulator) RunDataset(ds *Dataset, params strategy.ParameterSet, startingEquity, commissionRate float64) (Result, error) {
	if ds == nil {
		return Result{}, fmt.Errorf("backtest: 数据集为空: %w", ErrInsufficientData)
	}
	if err := validateAccount(startingEquity, commissionRate); err != nil {
		return Result{}, err
	}
	ledger, err := s.replay(ds, params, startingEquity, commissionRate)
	if err != nil {
		return Result{}, err
	}
	return ledger.Result, nil
}

func validateAccount(startingEquity, commissionRate float64) error {
	if math.IsNaN(startingEquity) || math.IsInf(startingEquity, 0) || startingEquity <= 0 {
		return fmt.Errorf("backtest: 初始资金必须为正: %w", ErrInvalidParameters)
	}
	if math.IsNaN(commissionRate) || commissionRate < 0 || commissionRate >= 1 {
		return fmt.Errorf("backtest: 手续费率必须位于[0,1): %w", ErrInvalidParameters)
	}
	return nil
}

func (s *Simulator) replay(ds *Dataset, params strategy.ParameterSet, startingEquity, commissionRate float64) (Ledger, error) {
	rule, err := strategy.NewRule(params, ds.calc)
	if err != nil {
		return Ledger{}, fmt.Errorf("backtest: %w", err)
	}
	if ds.tradable > 0 && len(ds.bars)-rule.Warmup() < ds.tradable {
		return Ledger{}, fmt.Errorf("backtest: 预热 %d 根后剩余K线不足 %d 根，实际共 %d: %w",
			rule.Warmup(), ds.tradable, len(ds.bars), ErrInsufficientData)
	}

	bars, series, invalid := ds.bars, ds.series, ds.invalid

	var (
		commission = decimal.NewFromFloat(commissionRate)
		feeFactor  = decimal.NewFromInt(1).Add(commission)
		keepFactor = decimal.NewFromInt(1).Sub(decimal.NewFromFloat(s.cfg.SafetyMargin))
		start      = decimal.NewFromFloat(startingEquity)
		cash       = start
		minCash    = start
		pos        position
		stats      tradeStats
		trades     []Trade
		equity     = make([]float64, 0, len(bars)+1)
	)
	equity = append(equity, startingEquity)

	closePosition := func(i int, forced bool) {
		price := decimal.NewFromFloat(series.Close[i])
		proceeds := price.Mul(decimal.NewFromInt(pos.size))
		fee := proceeds.Mul(commission)
		cash = cash.Add(proceeds).Sub(fee)
		pnl := proceeds.Sub(fee).Sub(pos.entryCost).Sub(pos.entryFee)

		stats.record(pnl.InexactFloat64())
		trades = append(trades, Trade{
			EntryTime:  pos.entryTime,
			ExitTime:   series.Timestamps[i],
			EntryPrice: pos.entryPrice.InexactFloat64(),
			ExitPrice:  series.Close[i],
			Size:       pos.size,
			Commission: pos.entryFee.Add(fee).InexactFloat64(),
			PnL:        pnl.InexactFloat64(),
			Forced:     forced,
		})
		pos = position{}
	}

	for i := range bars {
		if !series.Valid[i] {
			equity = append(equity, markToMarket(cash, pos, series.Close[i]))
			continue
		}

		switch rule.Evaluate(i, pos.open) {
		case strategy.ActionEnter:
			if pos.open {
				break
			}
			price := decimal.NewFromFloat(series.Close[i])
			size := cash.Mul(keepFactor).Div(price.Mul(feeFactor)).Floor()
			cost := price.Mul(size)
			fee := cost.Mul(commission)
			// 舍入误差保护：总成本不得超过现金。
			for size.IsPositive() && cost.Add(fee).GreaterThan(cash) {
				size = size.Sub(decimal.NewFromInt(1))
				cost = price.Mul(size)
				fee = cost.Mul(commission)
			}
			if !size.IsPositive() {
				s.logger.Debug("可用资金不足以开仓", zap.Int("bar", i), zap.String("cash", cash.String()))
				break
			}
			cash = cash.Sub(cost).Sub(fee)
			pos = position{
				open:       true,
				entryPrice: price,
				entryCost:  cost,
				entryFee:   fee,
				size:       size.IntPart(),
				entryTime:  series.Timestamps[i],
			}
		case strategy.ActionExit:
			if pos.open {
				closePosition(i, false)
			}
		}

		if cash.LessThan(minCash) {
			minCash = cash
		}
		equity = append(equity, markToMarket(cash, pos, series.Close[i]))
	}

	if pos.open {
		last := len(bars) - 1
		closePosition(last, true)
		equity[len(equity)-1] = cash.InexactFloat64()
	}

	ending := cash.InexactFloat64()
	result := calculateResult(startingEquity, ending, equity, stats, s.cfg.MaxWinLossRatio)

	s.logger.Debug("回测完成",
		zap.String("params", params.Key()),
		zap.Int("bars", len(bars)),
		zap.Int("skipped_bars", invalid),
		zap.Int("trades", result.TotalTrades),
		zap.Float64("roi_pct", result.ROIPct),
		zap.Float64("max_drawdown_pct", result.MaxDrawdownPct),
	)

	return Ledger{
		Result:      result,
		Trades:      trades,
		EquityCurve: equity,
		MinCash:     minCash.InexactFloat64(),
		SkippedBars: invalid,
	}, nil
}

func markToMarket(cash decimal.Decimal, pos position, closePrice float64) float64 {
	if !pos.open {
		return cash.InexactFloat64()
	}
	value := decimal.NewFromFloat(closePrice).Mul(decimal.NewFromInt(pos.size))
	return cash.Add(value).InexactFloat64()
}
