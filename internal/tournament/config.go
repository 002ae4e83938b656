package tournament

// Config 定义锦标赛评分参数。
type Config struct {
	StartingEquity   float64 // 每次回测的初始资金
	CommissionRate   float64 // 单边手续费率
	TrainRatio       float64 // 训练集比例，剩余部分为样本外
	MinTrades        int     // 低于该交易次数的候选将被惩罚
	LowTradePenalty  float64 // 交易次数不足时扣除的分数
	TopN             int     // 结果中保留的候选数量
	MinPartitionBars int     // 分段在策略预热期之后至少保留的K线数
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		StartingEquity:   1_000_000,
		CommissionRate:   0.001425,
		TrainRatio:       0.8,
		MinTrades:        3,
		LowTradePenalty:  50,
		TopN:             5,
		MinPartitionBars: 20,
	}
}

func (c *Config) normalize() Config {
	cfg := *c
	def := DefaultConfig()
	if cfg.StartingEquity <= 0 {
		cfg.StartingEquity = def.StartingEquity
	}
	if cfg.CommissionRate < 0 || cfg.CommissionRate >= 1 {
		cfg.CommissionRate = def.CommissionRate
	}
	if cfg.TrainRatio <= 0 || cfg.TrainRatio >= 1 {
		cfg.TrainRatio = def.TrainRatio
	}
	if cfg.MinTrades < 0 {
		cfg.MinTrades = def.MinTrades
	}
	if cfg.LowTradePenalty < 0 {
		cfg.LowTradePenalty = def.LowTradePenalty
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.MinPartitionBars <= 0 {
		cfg.MinPartitionBars = def.MinPartitionBars
	}
	return cfg
}
