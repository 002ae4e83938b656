package backtest

// Config 定义模拟器的数据门槛与撮合参数。
type Config struct {
	MinBars         int     // 最少K线数量
	MaxCorruptRatio float64 // 允许的异常K线比例
	SafetyMargin    float64 // 开仓时保留的现金比例
	MaxWinLossRatio float64 // 无亏损交易时盈亏比的上限
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MinBars:         100,
		MaxCorruptRatio: 0.05,
		SafetyMargin:    0.01,
		MaxWinLossRatio: 10,
	}
}

func (c *Config) normalize() Config {
	cfg := *c
	def := DefaultConfig()
	if cfg.MinBars <= 0 {
		cfg.MinBars = def.MinBars
	}
	if cfg.MaxCorruptRatio < 0 || cfg.MaxCorruptRatio >= 1 {
		cfg.MaxCorruptRatio = def.MaxCorruptRatio
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.MaxWinLossRatio <= 0 {
		cfg.MaxWinLossRatio = def.MaxWinLossRatio
	}
	return cfg
}
