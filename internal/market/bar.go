package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	// ErrUnordered 表示K线未按时间严格升序排列。
	ErrUnordered = errors.New("bars are not strictly ascending by timestamp")
	// ErrNoBars 表示数据源未返回任何K线。
	ErrNoBars = errors.New("no bars returned")
)

// Bar 为单根K线，写入后视为不可变。
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid 判断K线是否可用于撮合：价格有限且为正，成交量非负，最高价不低于最低价。
func (b Bar) Valid() bool {
	for _, p := range [...]float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return false
		}
	}
	if math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) || b.Volume < 0 {
		return false
	}
	return b.High >= b.Low
}

// CheckOrder 校验序列严格按时间升序且无重复时间戳。
func CheckOrder(bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("market: 第 %d 根K线 %s 不晚于前一根 %s: %w",
				i, bars[i].Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339), ErrUnordered)
		}
	}
	return nil
}

// Normalize 返回按时间升序、去重后的副本，重复时间戳保留最后出现的一根。
func Normalize(bars []Bar) []Bar {
	if len(bars) == 0 {
		return nil
	}
	dst := make([]Bar, len(bars))
	copy(dst, bars)
	sort.SliceStable(dst, func(i, j int) bool {
		return dst[i].Timestamp.Before(dst[j].Timestamp)
	})

	out := dst[:0]
	for _, bar := range dst {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bar.Timestamp) {
			out[n-1] = bar
			continue
		}
		out = append(out, bar)
	}
	return out
}

// Window 返回 [start, end] 区间内的K线，零值时间表示不设边界。
func Window(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

// Closes 提取收盘价序列。
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, bar := range bars {
		out[i] = bar.Close
	}
	return out
}
