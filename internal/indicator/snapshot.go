package indicator

import "math"

// Snapshot 为序列末端的常用指标读数。
type Snapshot struct {
	Close             float64 `json:"close"`
	ATR               float64 `json:"atr"`
	ATRPercent        float64 `json:"atr_percent"`
	RSI               float64 `json:"rsi"`
	MACDHistogram     float64 `json:"macd_histogram"`
	BollingerPosition float64 `json:"bollinger_position"`
}

// Latest 计算最后一根K线上的指标快照。
func (c *Calculator) Latest() Snapshot {
	closePrice := Last(c.series.Close)
	atr := Last(c.ATR(14))
	_, _, hist := c.MACD(12, 26, 9)
	upper, _, lower := c.BBands(20, 2)

	position := 0.0
	if width := Last(upper) - Last(lower); width > 0 {
		position = math.Max(0, math.Min(1, (closePrice-Last(lower))/width))
	}

	return Snapshot{
		Close:             closePrice,
		ATR:               atr,
		ATRPercent:        SafeDivide(atr, closePrice) * 100,
		RSI:               Last(c.RSI(14)),
		MACDHistogram:     Last(hist),
		BollingerPosition: position,
	}
}
