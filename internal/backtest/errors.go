package backtest

import (
	"errors"

	"strategy-arena/internal/strategy"
)

var (
	// ErrInsufficientData 表示K线数量低于最小要求。
	ErrInsufficientData = errors.New("insufficient data")
	// ErrCorruptData 表示异常K线比例超过阈值或序列乱序。
	ErrCorruptData = errors.New("corrupt data")
	// ErrInvalidParameters 与 strategy.ErrInvalidParameters 为同一哨兵值。
	ErrInvalidParameters = strategy.ErrInvalidParameters
)
