package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Data       DataConfig       `mapstructure:"data"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`
	Tournament TournamentConfig `mapstructure:"tournament"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Decision   DecisionConfig   `mapstructure:"decision"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Events     EventsConfig     `mapstructure:"events"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// DataConfig 描述K线数据来源。
type DataConfig struct {
	Source    string         `mapstructure:"source"`
	CSVDir    string         `mapstructure:"csv_dir"`
	Timeframe string         `mapstructure:"timeframe"`
	Exchange  ExchangeConfig `mapstructure:"exchange"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	PageLimit  int64       `mapstructure:"page_limit"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SimulatorConfig 控制单资产回测模拟器。
type SimulatorConfig struct {
	MinBars         int     `mapstructure:"min_bars"`
	MaxCorruptRatio float64 `mapstructure:"max_corrupt_ratio"`
	SafetyMargin    float64 `mapstructure:"safety_margin"`
	StartingEquity  float64 `mapstructure:"starting_equity"`
	CommissionRate  float64 `mapstructure:"commission_rate"`
	MaxWinLossRatio float64 `mapstructure:"max_win_loss_ratio"`
}

// TournamentConfig 控制策略锦标赛评分。
type TournamentConfig struct {
	TrainRatio       float64 `mapstructure:"train_ratio"`
	MinTrades        int     `mapstructure:"min_trades"`
	LowTradePenalty  float64 `mapstructure:"low_trade_penalty"`
	TopN             int     `mapstructure:"top_n"`
	MinPartitionBars int     `mapstructure:"min_partition_bars"`
}

// QueueConfig 控制训练任务队列。
type QueueConfig struct {
	Workers      int `mapstructure:"workers"`
	Capacity     int `mapstructure:"capacity"`
	HistoryLimit int `mapstructure:"history_limit"`
}

// RegimeWeights 为某一波动率状态下各信号源的权重。
type RegimeWeights struct {
	Strategy    float64 `mapstructure:"strategy"`
	Chip        float64 `mapstructure:"chip"`
	Fundamental float64 `mapstructure:"fundamental"`
}

// DecisionConfig 控制自适应权重决策引擎。
type DecisionConfig struct {
	HighVolatilityATR     float64       `mapstructure:"high_volatility_atr"`
	LowVolatilityATR      float64       `mapstructure:"low_volatility_atr"`
	VolatilityFlagATR     float64       `mapstructure:"volatility_flag_atr"`
	HighWeights           RegimeWeights `mapstructure:"high_weights"`
	MediumWeights         RegimeWeights `mapstructure:"medium_weights"`
	LowWeights            RegimeWeights `mapstructure:"low_weights"`
	MLWeight              float64       `mapstructure:"ml_weight"`
	MLMinConfidence       float64       `mapstructure:"ml_min_confidence"`
	BollingerPenalty      float64       `mapstructure:"bollinger_penalty"`
	VolatilityPenalty     float64       `mapstructure:"volatility_penalty"`
	MissingDataPenalty    float64       `mapstructure:"missing_data_penalty"`
	MinTestPosition       float64       `mapstructure:"min_test_position"`
	DefaultWinRatePct     float64       `mapstructure:"default_win_rate_pct"`
	DefaultWinLossRatio   float64       `mapstructure:"default_win_loss_ratio"`
	FallbackATRPercent    float64       `mapstructure:"fallback_atr_percent"`
	StopMultiplier        float64       `mapstructure:"stop_multiplier"`
	HighVolStopMultiplier float64       `mapstructure:"high_vol_stop_multiplier"`
}

// RiskConfig 管理风险预算参数。
type RiskConfig struct {
	DailyMaxDrawdown     float64 `mapstructure:"daily_max_drawdown"`
	WeeklyMaxDrawdown    float64 `mapstructure:"weekly_max_drawdown"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	RetentionDays        int     `mapstructure:"retention_days"`
	DailyResetHour       int     `mapstructure:"daily_reset_hour"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EventsConfig 控制任务事件外发。
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig 描述 Kafka 生产者。
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Data.Source) {
	case "exchange":
		if c.Data.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("data.exchange.name 不能为空"))
		}
		if c.Data.Exchange.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("data.exchange.retry.max_attempts 必须大于0"))
		}
		if c.Data.Exchange.Retry.MinDelay <= 0 || c.Data.Exchange.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("data.exchange.retry.delay 必须为正"))
		}
		if c.Data.Exchange.Retry.MinDelay > c.Data.Exchange.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("data.exchange.retry.min_delay 不能大于 max_delay"))
		}
	case "csv":
		if c.Data.CSVDir == "" {
			err = multierr.Append(err, errors.New("data.csv_dir 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("data.source 取值非法: %q", c.Data.Source))
	}
	if c.Data.Timeframe == "" {
		err = multierr.Append(err, errors.New("data.timeframe 不能为空"))
	}

	if c.Simulator.MinBars <= 0 {
		err = multierr.Append(err, errors.New("simulator.min_bars 必须大于0"))
	}
	if c.Simulator.MaxCorruptRatio < 0 || c.Simulator.MaxCorruptRatio >= 1 {
		err = multierr.Append(err, errors.New("simulator.max_corrupt_ratio 必须位于[0,1)"))
	}
	if c.Simulator.SafetyMargin < 0 || c.Simulator.SafetyMargin >= 1 {
		err = multierr.Append(err, errors.New("simulator.safety_margin 必须位于[0,1)"))
	}
	if c.Simulator.StartingEquity <= 0 {
		err = multierr.Append(err, errors.New("simulator.starting_equity 必须大于0"))
	}
	if c.Simulator.CommissionRate < 0 || c.Simulator.CommissionRate >= 1 {
		err = multierr.Append(err, errors.New("simulator.commission_rate 必须位于[0,1)"))
	}

	if c.Tournament.TrainRatio <= 0 || c.Tournament.TrainRatio >= 1 {
		err = multierr.Append(err, errors.New("tournament.train_ratio 必须位于(0,1)"))
	}
	if c.Tournament.MinTrades < 0 {
		err = multierr.Append(err, errors.New("tournament.min_trades 不能为负"))
	}
	if c.Tournament.MinPartitionBars <= 0 {
		err = multierr.Append(err, errors.New("tournament.min_partition_bars 必须为正"))
	}

	if c.Queue.Workers <= 0 {
		err = multierr.Append(err, errors.New("queue.workers 必须大于0"))
	}
	if c.Queue.Capacity <= 0 {
		err = multierr.Append(err, errors.New("queue.capacity 必须大于0"))
	}

	if c.Decision.LowVolatilityATR <= 0 || c.Decision.HighVolatilityATR <= c.Decision.LowVolatilityATR {
		err = multierr.Append(err, errors.New("decision.low_volatility_atr 必须为正且小于 high_volatility_atr"))
	}
	for name, w := range map[string]RegimeWeights{
		"high_weights":   c.Decision.HighWeights,
		"medium_weights": c.Decision.MediumWeights,
		"low_weights":    c.Decision.LowWeights,
	} {
		if w.Strategy < 0 || w.Strategy > 1 {
			err = multierr.Append(err, fmt.Errorf("decision.%s.strategy 必须位于[0,1]", name))
		}
		if w.Chip < 0 || w.Chip > 0.15 || w.Fundamental < 0 || w.Fundamental > 0.15 {
			err = multierr.Append(err, fmt.Errorf("decision.%s 辅助信号权重必须位于[0,0.15]", name))
		}
	}
	if c.Decision.MLWeight < 0 || c.Decision.MLWeight > 0.15 {
		err = multierr.Append(err, errors.New("decision.ml_weight 必须位于[0,0.15]"))
	}
	if c.Decision.MinTestPosition < 0 || c.Decision.MinTestPosition > 100 {
		err = multierr.Append(err, errors.New("decision.min_test_position 必须位于[0,100]"))
	}

	if c.Risk.DailyMaxDrawdown <= 0 || c.Risk.DailyMaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.daily_max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.WeeklyMaxDrawdown <= 0 || c.Risk.WeeklyMaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.weekly_max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_losses 必须大于0"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
	case "pgx":
		if c.Database.DSN == "" {
			err = multierr.Append(err, errors.New("database.dsn 不能为空 (pgx)"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver 取值非法: %q", c.Database.Driver))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			err = multierr.Append(err, errors.New("events.kafka.brokers 不能为空"))
		}
		if c.Events.Kafka.Topic == "" {
			err = multierr.Append(err, errors.New("events.kafka.topic 不能为空"))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
