package indicator

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
)

// Calculator 基于单一 Series 计算技术指标，按参数缓存结果。
// backtest.Dataset 为每段序列持有一个 Calculator，锦标赛的全部候选共享其缓存。
// talib 在预热期输出 0，序列长度不足时直接返回全 0 序列。
type Calculator struct {
	series Series

	mu    sync.Mutex
	cache map[string][][]float64
}

// NewCalculator 创建 Calculator。
func NewCalculator(series Series) *Calculator {
	return &Calculator{
		series: series,
		cache:  make(map[string][][]float64),
	}
}

// Series 返回底层序列。
func (c *Calculator) Series() Series {
	return c.series
}

// SMA 简单移动平均。
func (c *Calculator) SMA(period int) []float64 {
	return c.memo(fmt.Sprintf("sma:%d", period), period, func() [][]float64 {
		return [][]float64{talib.Sma(c.series.Close, period)}
	})[0]
}

// EMA 指数移动平均。
func (c *Calculator) EMA(period int) []float64 {
	return c.memo(fmt.Sprintf("ema:%d", period), period, func() [][]float64 {
		return [][]float64{talib.Ema(c.series.Close, period)}
	})[0]
}

// RSI 相对强弱指标。
func (c *Calculator) RSI(period int) []float64 {
	return c.memo(fmt.Sprintf("rsi:%d", period), period+1, func() [][]float64 {
		return [][]float64{talib.Rsi(c.series.Close, period)}
	})[0]
}

// MACD 返回 macd、signal 与 histogram 三条序列。
func (c *Calculator) MACD(fast, slow, signal int) (macd, sig, hist []float64) {
	out := c.memo(fmt.Sprintf("macd:%d:%d:%d", fast, slow, signal), slow+signal, func() [][]float64 {
		m, s, h := talib.Macd(c.series.Close, fast, slow, signal)
		return [][]float64{m, s, h}
	})
	return out[0], out[1], out[2]
}

// Stoch 随机指标，返回 %K 与 %D。
func (c *Calculator) Stoch(kPeriod, smooth, dPeriod int) (k, d []float64) {
	out := c.memo(fmt.Sprintf("stoch:%d:%d:%d", kPeriod, smooth, dPeriod), kPeriod+smooth+dPeriod, func() [][]float64 {
		k, d := talib.Stoch(c.series.High, c.series.Low, c.series.Close, kPeriod, smooth, talib.SMA, dPeriod, talib.SMA)
		return [][]float64{k, d}
	})
	return out[0], out[1]
}

// ATR 平均真实波幅。
func (c *Calculator) ATR(period int) []float64 {
	return c.memo(fmt.Sprintf("atr:%d", period), period+1, func() [][]float64 {
		return [][]float64{talib.Atr(c.series.High, c.series.Low, c.series.Close, period)}
	})[0]
}

// BBands 布林带，返回上轨、中轨、下轨。
func (c *Calculator) BBands(period int, dev float64) (upper, middle, lower []float64) {
	out := c.memo(fmt.Sprintf("bbands:%d:%g", period, dev), period, func() [][]float64 {
		u, m, l := talib.BBands(c.series.Close, period, dev, dev, talib.SMA)
		return [][]float64{u, m, l}
	})
	return out[0], out[1], out[2]
}

func (c *Calculator) memo(key string, lookback int, compute func() [][]float64) [][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if out, ok := c.cache[key]; ok {
		return out
	}

	var out [][]float64
	if c.series.Len() <= lookback+1 {
		// talib 对过短输入会越界，这里统一返回全 0。
		out = make([][]float64, 3)
		for i := range out {
			out[i] = make([]float64, c.series.Len())
		}
	} else {
		out = compute()
	}

	c.cache[key] = out
	return out
}
