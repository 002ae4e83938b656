package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "arena"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值与环境变量组成的配置，不读取配置文件。
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("data.source", "exchange")
	v.SetDefault("data.csv_dir", "data/bars")
	v.SetDefault("data.timeframe", "1d")
	v.SetDefault("data.exchange.name", "binanceusdm")
	v.SetDefault("data.exchange.use_sandbox", false)
	v.SetDefault("data.exchange.page_limit", 1000)
	v.SetDefault("data.exchange.retry.max_attempts", 5)
	v.SetDefault("data.exchange.retry.min_delay", "500ms")
	v.SetDefault("data.exchange.retry.max_delay", "5s")

	v.SetDefault("simulator.min_bars", 100)
	v.SetDefault("simulator.max_corrupt_ratio", 0.05)
	v.SetDefault("simulator.safety_margin", 0.01)
	v.SetDefault("simulator.starting_equity", 1_000_000)
	v.SetDefault("simulator.commission_rate", 0.001425)
	v.SetDefault("simulator.max_win_loss_ratio", 10)

	v.SetDefault("tournament.train_ratio", 0.8)
	v.SetDefault("tournament.min_trades", 3)
	v.SetDefault("tournament.low_trade_penalty", 50)
	v.SetDefault("tournament.top_n", 5)
	v.SetDefault("tournament.min_partition_bars", 20)

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.history_limit", 50)

	v.SetDefault("decision.high_volatility_atr", 4.0)
	v.SetDefault("decision.low_volatility_atr", 1.5)
	v.SetDefault("decision.volatility_flag_atr", 3.0)
	v.SetDefault("decision.high_weights.strategy", 0.40)
	v.SetDefault("decision.high_weights.chip", 0.15)
	v.SetDefault("decision.high_weights.fundamental", 0.05)
	v.SetDefault("decision.medium_weights.strategy", 0.30)
	v.SetDefault("decision.medium_weights.chip", 0.10)
	v.SetDefault("decision.medium_weights.fundamental", 0.10)
	v.SetDefault("decision.low_weights.strategy", 0.25)
	v.SetDefault("decision.low_weights.chip", 0.10)
	v.SetDefault("decision.low_weights.fundamental", 0.15)
	v.SetDefault("decision.ml_weight", 0.10)
	v.SetDefault("decision.ml_min_confidence", 0.6)
	v.SetDefault("decision.bollinger_penalty", 0.15)
	v.SetDefault("decision.volatility_penalty", 0.10)
	v.SetDefault("decision.missing_data_penalty", 0.10)
	v.SetDefault("decision.min_test_position", 10)
	v.SetDefault("decision.default_win_rate_pct", 50)
	v.SetDefault("decision.default_win_loss_ratio", 1.5)
	v.SetDefault("decision.fallback_atr_percent", 3.0)
	v.SetDefault("decision.stop_multiplier", 1.5)
	v.SetDefault("decision.high_vol_stop_multiplier", 2.0)

	v.SetDefault("risk.daily_max_drawdown", 0.02)
	v.SetDefault("risk.weekly_max_drawdown", 0.08)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.retention_days", 30)
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/strategy_arena.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "arena.tasks")
	v.SetDefault("events.kafka.client_id", "strategy-arena")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
