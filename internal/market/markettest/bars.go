// Package markettest 生成确定性的合成K线，供各包测试使用。
package markettest

import (
	"math"
	"time"

	"strategy-arena/internal/market"
)

// Start 为合成序列的首根K线时间。
var Start = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// FromCloses 以收盘价构造日线，开盘价取前一根收盘价，高低点各外扩 0.5。
func FromCloses(closes []float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = market.Bar{
			Timestamp: Start.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, c) + 0.5,
			Low:       math.Min(open, c) - 0.5,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

// Linear 返回从 from 开始每根变化 step 的序列。
func Linear(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

// Triangle 返回在 [low, high] 之间以 step 往返的三角波。
func Triangle(n int, low, high, step float64) []float64 {
	out := make([]float64, n)
	price, dir := low, 1.0
	for i := range out {
		out[i] = price
		next := price + dir*step
		if next > high || next < low {
			dir = -dir
			next = price + dir*step
		}
		price = next
	}
	return out
}

// GoldenCross 先以 -3/+2 锯齿下跌 200 根，再以每根 +1 上涨 300 根。
func GoldenCross() []float64 {
	out := make([]float64, 0, 500)
	price := 300.0
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			price -= 3
		} else {
			price += 2
		}
		out = append(out, price)
	}
	for i := 0; i < 300; i++ {
		price++
		out = append(out, price)
	}
	return out
}
