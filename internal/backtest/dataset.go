package backtest

import (
	"fmt"

	"strategy-arena/internal/indicator"
	"strategy-arena/internal/market"
)

// Dataset 为通过校验的K线序列及其指标缓存，可被多组参数重复回测。
type Dataset struct {
	bars     []market.Bar
	series   indicator.Series
	calc     *indicator.Calculator
	invalid  int
	tradable int
}

// Len 返回K线数量。
func (d *Dataset) Len() int {
	return len(d.bars)
}

// Prepare 按 MinBars、时间顺序与异常比例校验K线并构建指标缓存。
func (s *Simulator) Prepare(bars []market.Bar) (*Dataset, error) {
	if len(bars) < s.cfg.MinBars {
		return nil, fmt.Errorf("backtest: 需要至少 %d 根K线，实际 %d: %w", s.cfg.MinBars, len(bars), ErrInsufficientData)
	}
	return s.prepare(bars, 0)
}

// PreparePartition 用于前进式验证的分段，不套用 MinBars：
// 只要求每组参数在自身预热期之后仍有至少 tradable 根K线。
func (s *Simulator) PreparePartition(bars []market.Bar, tradable int) (*Dataset, error) {
	if tradable <= 0 {
		tradable = 1
	}
	if len(bars) < tradable {
		return nil, fmt.Errorf("backtest: 分段需要至少 %d 根K线，实际 %d: %w", tradable, len(bars), ErrInsufficientData)
	}
	return s.prepare(bars, tradable)
}

func (s *Simulator) prepare(bars []market.Bar, tradable int) (*Dataset, error) {
	if err := market.CheckOrder(bars); err != nil {
		return nil, fmt.Errorf("backtest: %v: %w", err, ErrCorruptData)
	}

	series := indicator.NewSeries(bars)
	invalid := series.InvalidCount()
	if ratio := float64(invalid) / float64(len(bars)); ratio > s.cfg.MaxCorruptRatio {
		return nil, fmt.Errorf("backtest: 异常K线比例 %.2f%% 超过上限 %.2f%%: %w",
			ratio*100, s.cfg.MaxCorruptRatio*100, ErrCorruptData)
	}

	return &Dataset{
		bars:     bars,
		series:   series,
		calc:     indicator.NewCalculator(series),
		invalid:  invalid,
		tradable: tradable,
	}, nil
}
