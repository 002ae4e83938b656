package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-arena/internal/api"
	"strategy-arena/internal/backtest"
	"strategy-arena/internal/config"
	"strategy-arena/internal/decision"
	"strategy-arena/internal/events"
	"strategy-arena/internal/exchange"
	"strategy-arena/internal/market"
	"strategy-arena/internal/monitor"
	"strategy-arena/internal/queue"
	"strategy-arena/internal/risk"
	"strategy-arena/internal/store"
	"strategy-arena/internal/tournament"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配训练队列、决策引擎与 HTTP 接口，阻塞到 ctx 结束。
func (a *App) Run(ctx context.Context) (err error) {
	a.logger.Info("策略竞技场启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("data_source", a.cfg.Data.Source),
		zap.String("database", a.store.DriverName()),
	)

	mon, err := monitor.NewService(a.store, a.logger.Named("monitor"))
	if err != nil {
		return err
	}

	sink, closeSink, err := a.buildSink(mon)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeSink())
	}()

	provider, err := a.buildProvider()
	if err != nil {
		return err
	}

	repo, err := queue.NewSQLRepository(a.store)
	if err != nil {
		return err
	}

	q, err := queue.New(a.cfg.Queue, provider, a.buildRunner(), repo, sink, a.logger.Named("queue"))
	if err != nil {
		return err
	}
	if err := q.Recover(ctx); err != nil {
		return fmt.Errorf("app: 恢复历史任务失败: %w", err)
	}

	riskManager, err := risk.NewManager(a.cfg.Risk, a.store, sink, a.logger.Named("risk"))
	if err != nil {
		return err
	}
	engine := decision.NewEngine(a.cfg.Decision, a.logger.Named("decision"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(gctx)
	})

	if a.cfg.Server.Enabled {
		srv, err := api.NewServer(a.cfg.Server, api.Deps{
			Queue:   q,
			Engine:  engine,
			Risk:    riskManager,
			Monitor: mon,
			Store:   a.store,
			Sink:    sink,
		}, a.logger.Named("api"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mon.RecordError(context.WithoutCancel(ctx), "app", "系统异常退出", err, nil)
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，已停止", zap.Any("queue", q.Stats()))
	return nil
}

// buildSink 组合事件日志与可选的 Kafka 外发。
func (a *App) buildSink(mon *monitor.Service) (events.Sink, func() error, error) {
	noop := func() error { return nil }
	if !a.cfg.Events.Kafka.Enabled {
		return mon, noop, nil
	}

	kafkaSink, err := events.NewKafkaSink(a.cfg.Events.Kafka, a.logger.Named("kafka"))
	if err != nil {
		return nil, noop, err
	}
	a.logger.Info("已启用 Kafka 事件外发",
		zap.Strings("brokers", a.cfg.Events.Kafka.Brokers),
		zap.String("topic", a.cfg.Events.Kafka.Topic),
	)
	return events.Fanout{mon, kafkaSink}, kafkaSink.Close, nil
}

// buildProvider 按 data.source 选择K线来源。
func (a *App) buildProvider() (queue.BarProvider, error) {
	switch strings.ToLower(a.cfg.Data.Source) {
	case "csv":
		return market.NewCSVProvider(a.cfg.Data.CSVDir, a.logger.Named("csv"))
	case "exchange":
		return exchange.NewClient(a.cfg.Data.Exchange, a.cfg.Data.Timeframe, a.logger.Named("exchange"))
	default:
		return nil, fmt.Errorf("app: 不支持的数据源 %q", a.cfg.Data.Source)
	}
}

func (a *App) buildRunner() *tournament.Tournament {
	sim := backtest.NewSimulator(backtest.Config{
		MinBars:         a.cfg.Simulator.MinBars,
		MaxCorruptRatio: a.cfg.Simulator.MaxCorruptRatio,
		SafetyMargin:    a.cfg.Simulator.SafetyMargin,
		MaxWinLossRatio: a.cfg.Simulator.MaxWinLossRatio,
	}, a.logger.Named("backtest"))

	return tournament.New(tournament.Config{
		StartingEquity:   a.cfg.Simulator.StartingEquity,
		CommissionRate:   a.cfg.Simulator.CommissionRate,
		TrainRatio:       a.cfg.Tournament.TrainRatio,
		MinTrades:        a.cfg.Tournament.MinTrades,
		LowTradePenalty:  a.cfg.Tournament.LowTradePenalty,
		TopN:             a.cfg.Tournament.TopN,
		MinPartitionBars: a.cfg.Tournament.MinPartitionBars,
	}, sim, a.logger.Named("tournament"))
}
