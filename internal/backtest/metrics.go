package backtest

import "math"

const (
	// sharpeMultiplier 为无回撤时对 ROI 的放大倍数。
	sharpeMultiplier = 10
	drawdownEpsilon  = 1e-9
)

// Result 记录一次回测的绩效，由模拟器生成后不再修改。
// SharpeApprox 为 ROI 与最大回撤之比，并非年化夏普比率。
type Result struct {
	ROIPct          float64 `json:"roi_pct"`
	WinRatePct      float64 `json:"win_rate_pct"`
	TotalTrades     int     `json:"total_trades"`
	AvgWinLossRatio float64 `json:"avg_win_loss_ratio"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	SharpeApprox    float64 `json:"sharpe_approx"`
	StartingEquity  float64 `json:"starting_equity"`
	EndingEquity    float64 `json:"ending_equity"`
}

type tradeStats struct {
	trades    int
	wins      int
	losses    int
	grossWin  float64
	grossLoss float64
}

func (s *tradeStats) record(pnl float64) {
	s.trades++
	switch {
	case pnl > 0:
		s.wins++
		s.grossWin += pnl
	case pnl < 0:
		s.losses++
		s.grossLoss += pnl
	}
}

func calculateResult(startingEquity, endingEquity float64, equity []float64, stats tradeStats, maxRatio float64) Result {
	roi := (endingEquity - startingEquity) / startingEquity * 100
	dd := computeDrawdown(equity) * 100

	winRate := 0.0
	if stats.trades > 0 {
		winRate = float64(stats.wins) / float64(stats.trades) * 100
	}

	return Result{
		ROIPct:          roi,
		WinRatePct:      winRate,
		TotalTrades:     stats.trades,
		AvgWinLossRatio: winLossRatio(stats, maxRatio),
		MaxDrawdownPct:  dd,
		SharpeApprox:    sharpeApprox(roi, dd),
		StartingEquity:  startingEquity,
		EndingEquity:    endingEquity,
	}
}

func winLossRatio(stats tradeStats, maxRatio float64) float64 {
	if stats.wins == 0 {
		return 0
	}
	if stats.losses == 0 {
		return maxRatio
	}
	avgWin := stats.grossWin / float64(stats.wins)
	avgLoss := math.Abs(stats.grossLoss / float64(stats.losses))
	if avgLoss == 0 {
		return maxRatio
	}
	return avgWin / avgLoss
}

func sharpeApprox(roiPct, drawdownPct float64) float64 {
	if drawdownPct > 0 {
		return roiPct / math.Max(drawdownPct, drawdownEpsilon)
	}
	return roiPct * sharpeMultiplier
}

func computeDrawdown(equity []float64) float64 {
	var peak float64
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (v - peak) / peak
		if dd < maxDD {
			maxDD = dd
		}
	}
	return math.Abs(maxDD)
}
