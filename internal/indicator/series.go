package indicator

import (
	"math"
	"time"

	"strategy-arena/internal/market"
)

// Series 将K线数据拆分为便于指标计算的序列。
// 异常K线会沿用上一根有效K线的数值，Valid 标记原始K线是否可用。
type Series struct {
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
	Valid      []bool
}

// NewSeries 从K线创建 Series，并对异常K线做前向填充。
// 开头的异常K线使用第一根有效K线回填。
func NewSeries(bars []market.Bar) Series {
	length := len(bars)
	series := Series{
		Timestamps: make([]time.Time, length),
		Open:       make([]float64, length),
		High:       make([]float64, length),
		Low:        make([]float64, length),
		Close:      make([]float64, length),
		Volume:     make([]float64, length),
		Valid:      make([]bool, length),
	}

	first := -1
	for i, bar := range bars {
		if bar.Valid() {
			first = i
			break
		}
	}

	var last market.Bar
	if first >= 0 {
		last = bars[first]
	}

	for i := 0; i < length; i++ {
		bar := bars[i]
		series.Timestamps[i] = bar.Timestamp.UTC()
		if bar.Valid() {
			last = bar
			series.Valid[i] = true
		}
		series.Open[i] = last.Open
		series.High[i] = last.High
		series.Low[i] = last.Low
		series.Close[i] = last.Close
		series.Volume[i] = last.Volume
	}

	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// InvalidCount 返回异常K线数量。
func (s Series) InvalidCount() int {
	count := 0
	for _, ok := range s.Valid {
		if !ok {
			count++
		}
	}
	return count
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回序列倒数第二个值，若不足两个元素则返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
